package netatmo

import (
	"errors"
	"fmt"

	"github.com/go-resty/resty/v2"
)

// ErrNoDevice is returned when the account has no registered weather station.
var ErrNoDevice = errors.New("no netatmo weather station found")

// ScopeReadStation is the OAuth2 scope required to read station data.
const ScopeReadStation = "read_station"

// Credentials identify the account and the registered application.
type Credentials struct {
	ClientID     string
	ClientSecret string
	Username     string
	Password     string
}

// Empty reports whether the credentials are unusable. A missing password
// counts as no credentials at all.
func (c Credentials) Empty() bool {
	return c.Password == ""
}

// Snapshot maps a module label to that module's latest field values.
type Snapshot map[string]map[string]any

// APIError is the error envelope returned by the Netatmo API.
type APIError struct {
	StatusCode int
	Code       int    `json:"code"`
	Message    string `json:"message"`
}

func (e *APIError) Error() string {
	if e.Message == "" {
		return fmt.Sprintf("netatmo api: status %d", e.StatusCode)
	}
	return fmt.Sprintf("netatmo api: status %d: code %d: %s", e.StatusCode, e.Code, e.Message)
}

type apiErrorEnvelope struct {
	Error APIError `json:"error"`
}

func newAPIError(resp *resty.Response) *APIError {
	apiErr := &APIError{StatusCode: resp.StatusCode()}
	if env, ok := resp.Error().(*apiErrorEnvelope); ok && env != nil {
		apiErr.Code = env.Error.Code
		apiErr.Message = env.Error.Message
	}
	return apiErr
}

type stationsDataResponse struct {
	Status string `json:"status"`
	Body   struct {
		Devices []stationDevice `json:"devices"`
	} `json:"body"`
}

type stationDevice struct {
	ID            string          `json:"_id"`
	StationName   string          `json:"station_name"`
	HomeName      string          `json:"home_name"`
	ModuleName    string          `json:"module_name"`
	Type          string          `json:"type"`
	WifiStatus    *int            `json:"wifi_status,omitempty"`
	DashboardData map[string]any  `json:"dashboard_data"`
	Modules       []stationModule `json:"modules"`
}

type stationModule struct {
	ID             string         `json:"_id"`
	ModuleName     string         `json:"module_name"`
	Type           string         `json:"type"`
	BatteryPercent *int           `json:"battery_percent,omitempty"`
	RFStatus       *int           `json:"rf_status,omitempty"`
	DashboardData  map[string]any `json:"dashboard_data"`
}
