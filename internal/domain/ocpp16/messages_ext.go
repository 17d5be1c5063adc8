package ocpp16

// This file extends messages.go with the Firmware Management, Local Auth List,
// Reservation, Smart Charging and Trigger Message profile payloads that the
// core profile set above does not cover.

// GetDiagnosticsRequest 获取诊断信息请求
type GetDiagnosticsRequest struct {
	Location      string    `json:"location" validate:"required"`
	Retries       *int      `json:"retries,omitempty"`
	RetryInterval *int      `json:"retryInterval,omitempty"`
	StartTime     *DateTime `json:"startTime,omitempty"`
	StopTime      *DateTime `json:"stopTime,omitempty"`
}

// GetDiagnosticsResponse 获取诊断信息响应
type GetDiagnosticsResponse struct {
	FileName *string `json:"fileName,omitempty" validate:"omitempty,max=255"`
}

// DiagnosticsStatusNotificationRequest 诊断状态通知请求
type DiagnosticsStatusNotificationRequest struct {
	Status DiagnosticsStatus `json:"status" validate:"required"`
}

// DiagnosticsStatusNotificationResponse 诊断状态通知响应
type DiagnosticsStatusNotificationResponse struct{}

// DiagnosticsStatus 诊断状态
type DiagnosticsStatus string

const (
	DiagnosticsStatusIdle         DiagnosticsStatus = "Idle"
	DiagnosticsStatusUploaded     DiagnosticsStatus = "Uploaded"
	DiagnosticsStatusUploadFailed DiagnosticsStatus = "UploadFailed"
	DiagnosticsStatusUploading    DiagnosticsStatus = "Uploading"
)

// FirmwareStatusNotificationRequest 固件状态通知请求
type FirmwareStatusNotificationRequest struct {
	Status FirmwareStatus `json:"status" validate:"required"`
}

// FirmwareStatusNotificationResponse 固件状态通知响应
type FirmwareStatusNotificationResponse struct{}

// FirmwareStatus 固件状态
type FirmwareStatus string

const (
	FirmwareStatusDownloaded         FirmwareStatus = "Downloaded"
	FirmwareStatusDownloadFailed     FirmwareStatus = "DownloadFailed"
	FirmwareStatusDownloading        FirmwareStatus = "Downloading"
	FirmwareStatusIdle               FirmwareStatus = "Idle"
	FirmwareStatusInstallationFailed FirmwareStatus = "InstallationFailed"
	FirmwareStatusInstalling         FirmwareStatus = "Installing"
	FirmwareStatusInstalled          FirmwareStatus = "Installed"
)

// UpdateFirmwareRequest 更新固件请求
type UpdateFirmwareRequest struct {
	Location      string   `json:"location" validate:"required"`
	Retries       *int     `json:"retries,omitempty"`
	RetrieveDate  DateTime `json:"retrieveDate" validate:"required"`
	RetryInterval *int     `json:"retryInterval,omitempty"`
}

// UpdateFirmwareResponse 更新固件响应（无负载）
type UpdateFirmwareResponse struct{}

// GetLocalListVersionRequest 获取本地列表版本请求
type GetLocalListVersionRequest struct{}

// GetLocalListVersionResponse 获取本地列表版本响应
type GetLocalListVersionResponse struct {
	ListVersion int `json:"listVersion" validate:"required"`
}

// AuthorizationData 授权数据，本地列表的一行
type AuthorizationData struct {
	IdTag     string     `json:"idTag" validate:"required,max=20"`
	IdTagInfo *IdTagInfo `json:"idTagInfo,omitempty"`
}

// UpdateType 本地列表更新类型
type UpdateType string

const (
	UpdateTypeDifferential UpdateType = "Differential"
	UpdateTypeFull         UpdateType = "Full"
)

// SendLocalListRequest 发送本地列表请求
type SendLocalListRequest struct {
	ListVersion            int                 `json:"listVersion" validate:"required"`
	LocalAuthorizationList []AuthorizationData `json:"localAuthorizationList,omitempty"`
	UpdateType             UpdateType          `json:"updateType" validate:"required"`
}

// UpdateStatus 本地列表更新状态
type UpdateStatus string

const (
	UpdateStatusAccepted        UpdateStatus = "Accepted"
	UpdateStatusFailed          UpdateStatus = "Failed"
	UpdateStatusNotSupported    UpdateStatus = "NotSupported"
	UpdateStatusVersionMismatch UpdateStatus = "VersionMismatch"
)

// SendLocalListResponse 发送本地列表响应
type SendLocalListResponse struct {
	Status UpdateStatus `json:"status" validate:"required"`
}

// ReserveNowRequest 预约请求
type ReserveNowRequest struct {
	ConnectorId   int      `json:"connectorId" validate:"min=0"`
	ExpiryDate    DateTime `json:"expiryDate" validate:"required"`
	IdTag         string   `json:"idTag" validate:"required,max=20"`
	ParentIdTag   *string  `json:"parentIdTag,omitempty" validate:"omitempty,max=20"`
	ReservationId int      `json:"reservationId" validate:"required"`
}

// ReservationStatus 预约状态
type ReservationStatus string

const (
	ReservationStatusAccepted   ReservationStatus = "Accepted"
	ReservationStatusFaulted    ReservationStatus = "Faulted"
	ReservationStatusOccupied   ReservationStatus = "Occupied"
	ReservationStatusRejected   ReservationStatus = "Rejected"
	ReservationStatusUnavailable ReservationStatus = "Unavailable"
)

// ReserveNowResponse 预约响应
type ReserveNowResponse struct {
	Status ReservationStatus `json:"status" validate:"required"`
}

// CancelReservationRequest 取消预约请求
type CancelReservationRequest struct {
	ReservationId int `json:"reservationId" validate:"required"`
}

// CancelReservationStatus 取消预约状态
type CancelReservationStatus string

const (
	CancelReservationStatusAccepted CancelReservationStatus = "Accepted"
	CancelReservationStatusRejected CancelReservationStatus = "Rejected"
)

// CancelReservationResponse 取消预约响应
type CancelReservationResponse struct {
	Status CancelReservationStatus `json:"status" validate:"required"`
}

// ClearChargingProfileRequest 清除充电配置文件请求
type ClearChargingProfileRequest struct {
	Id                     *int                    `json:"id,omitempty"`
	ConnectorId            *int                    `json:"connectorId,omitempty"`
	ChargingProfilePurpose *ChargingProfilePurpose `json:"chargingProfilePurpose,omitempty"`
	StackLevel             *int                    `json:"stackLevel,omitempty"`
}

// ClearChargingProfileStatus 清除充电配置文件状态
type ClearChargingProfileStatus string

const (
	ClearChargingProfileStatusAccepted ClearChargingProfileStatus = "Accepted"
	ClearChargingProfileStatusUnknown  ClearChargingProfileStatus = "Unknown"
)

// ClearChargingProfileResponse 清除充电配置文件响应
type ClearChargingProfileResponse struct {
	Status ClearChargingProfileStatus `json:"status" validate:"required"`
}

// SetChargingProfileRequest 设置充电配置文件请求
type SetChargingProfileRequest struct {
	ConnectorId     int             `json:"connectorId" validate:"min=0"`
	ChargingProfile ChargingProfile `json:"csChargingProfiles" validate:"required"`
}

// SetChargingProfileResponse 设置充电配置文件响应
type SetChargingProfileResponse struct {
	Status ChargingProfileStatus `json:"status" validate:"required"`
}

// ChargingProfileStatus 充电配置文件状态
type ChargingProfileStatus string

const (
	ChargingProfileStatusAccepted      ChargingProfileStatus = "Accepted"
	ChargingProfileStatusRejected      ChargingProfileStatus = "Rejected"
	ChargingProfileStatusNotSupported  ChargingProfileStatus = "NotSupported"
)

// GetCompositeScheduleRequest 获取综合计划请求
type GetCompositeScheduleRequest struct {
	ConnectorId      int               `json:"connectorId" validate:"min=0"`
	Duration         int               `json:"duration" validate:"required"`
	ChargingRateUnit *ChargingRateUnit `json:"chargingRateUnit,omitempty"`
}

// GetCompositeScheduleStatus 获取综合计划状态
type GetCompositeScheduleStatus string

const (
	GetCompositeScheduleStatusAccepted GetCompositeScheduleStatus = "Accepted"
	GetCompositeScheduleStatusRejected GetCompositeScheduleStatus = "Rejected"
)

// GetCompositeScheduleResponse 获取综合计划响应
type GetCompositeScheduleResponse struct {
	Status           GetCompositeScheduleStatus `json:"status" validate:"required"`
	ConnectorId      *int                       `json:"connectorId,omitempty"`
	ScheduleStart    *DateTime                  `json:"scheduleStart,omitempty"`
	ChargingSchedule *ChargingSchedule          `json:"chargingSchedule,omitempty"`
}

// MessageTrigger 触发消息类型
type MessageTrigger string

const (
	MessageTriggerBootNotification             MessageTrigger = "BootNotification"
	MessageTriggerDiagnosticsStatusNotification MessageTrigger = "DiagnosticsStatusNotification"
	MessageTriggerFirmwareStatusNotification    MessageTrigger = "FirmwareStatusNotification"
	MessageTriggerHeartbeat                    MessageTrigger = "Heartbeat"
	MessageTriggerMeterValues                  MessageTrigger = "MeterValues"
	MessageTriggerStatusNotification            MessageTrigger = "StatusNotification"
)

// TriggerMessageRequest 触发消息请求
type TriggerMessageRequest struct {
	RequestedMessage MessageTrigger `json:"requestedMessage" validate:"required"`
	ConnectorId      *int           `json:"connectorId,omitempty"`
}

// TriggerMessageStatus 触发消息状态
type TriggerMessageStatus string

const (
	TriggerMessageStatusAccepted      TriggerMessageStatus = "Accepted"
	TriggerMessageStatusRejected      TriggerMessageStatus = "Rejected"
	TriggerMessageStatusNotImplemented TriggerMessageStatus = "NotImplemented"
)

// TriggerMessageResponse 触发消息响应
type TriggerMessageResponse struct {
	Status TriggerMessageStatus `json:"status" validate:"required"`
}
