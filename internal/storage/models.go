package storage

import "time"

// Charger is the persisted record for a physical charge point.
type Charger struct {
	ChargerID      string
	Vendor         string
	Model          string
	Serial         string
	Firmware       string
	IsConnected    bool
	ConnectionTime *time.Time
	DisconnectTime *time.Time
	LastHeartbeat  *time.Time
	Status         string
	MaxRetries     int
	RetryIntervalS int
	RetryEnabled   bool
	CreatedAt      time.Time
	UpdatedAt      time.Time
}

// Connector statuses mirror ocpp16.ChargePointStatus plus "Offline"/"Unknown",
// which are Central-Station-level states the CP itself never reports.
const (
	ConnectorStatusUnknown = "Unknown"
	ConnectorStatusOffline = "Offline"
)

// Connector is a charger's numbered socket, 0 meaning the whole station.
type Connector struct {
	ChargerID          string
	ConnectorID        int
	Status             string
	ErrorCode          string
	EnergyDeliveredKWh float64
	PowerDeliveredKW   float64
	UpdatedAt          time.Time
}

// Session status values.
const (
	SessionStatusActive    = "Active"
	SessionStatusCompleted = "Completed"
	SessionStatusStopped   = "Stopped"
	SessionStatusFaulted   = "Faulted"
)

// Session is a charging transaction.
type Session struct {
	SessionID          string
	ChargerID          string
	ConnectorID        int
	TransactionID      int
	IDTag              string
	StartTime          time.Time
	StopTime           *time.Time
	MeterStart         int
	MeterStop          *int
	EnergyDeliveredKWh float64
	Cost               float64
	Status             string
	StopReason         string
}

// MessageLog direction and status values.
const (
	DirectionIn      = "IN"
	DirectionOut     = "OUT"
	DirectionForward = "FORWARD"

	LogStatusSuccess = "Success"
	LogStatusError   = "Error"
	LogStatusPending = "Pending"
	LogStatusTimeout = "Timeout"
)

// MessageLog is an append-only audit row for every OCPP frame processed.
type MessageLog struct {
	Timestamp        time.Time
	ChargerID        string
	Direction        string
	Action           string
	MessageID        string
	Status           string
	ProcessingTimeMs int64
	RequestJSON      string
	ResponseJSON     string
}

// ConnectionEvent event types.
const (
	EventConnect    = "CONNECT"
	EventDisconnect = "DISCONNECT"
	EventTimeout    = "TIMEOUT"
	EventReconnect  = "RECONNECT"
)

// ConnectionEvent is an append-only CP socket lifecycle row.
type ConnectionEvent struct {
	Timestamp         time.Time
	ChargerID         string
	EventType         string
	ConnectionID      string
	RemoteAddress     string
	Subprotocol       string
	Reason            string
	SessionDurationS  *float64
}

// RFIDCard authorization status values.
const (
	CardStatusActive   = "active"
	CardStatusBlocked  = "blocked"
	CardStatusInactive = "inactive"
)

// RFIDCard is an id-tag known to the Admin Facade that the Authorize handler
// consults.
type RFIDCard struct {
	IDTag       string
	Status      string
	ExpiryDate  *time.Time
	ParentIDTag *string
}

// User is an Admin Facade operator account.
type User struct {
	ID           int64
	Username     string
	PasswordHash string
	Role         string
	CreatedAt    time.Time
}

// SystemConfig is a single key/value default row.
type SystemConfig struct {
	Key   string
	Value string
}

// Well-known SystemConfig keys seeded on first start.
const (
	ConfigMaxRetries          = "max_retries"
	ConfigRetryInterval       = "retry_interval"
	ConfigHeartbeatInterval   = "heartbeat_interval_s"
	ConfigMeterValueInterval  = "meter_value_interval_s"
	ConfigConnectionTimeout   = "connection_timeout_s"
	ConfigEnergyRatePerKWh    = "energy_rate_units_per_kwh"
)
