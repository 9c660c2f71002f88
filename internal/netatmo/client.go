package netatmo

import (
	"context"
	"fmt"
	"net/http"
	"strings"

	"github.com/go-resty/resty/v2"
	jsoniter "github.com/json-iterator/go"
	"github.com/sony/gobreaker"
	"golang.org/x/oauth2"
)

// DefaultBaseURL is the Netatmo cloud API root.
const DefaultBaseURL = "https://api.netatmo.com"

// Config configures a Client.
type Config struct {
	BaseURL    string
	HTTPClient *http.Client

	// StationName restricts snapshots to one station (matched against the
	// station or home name). Empty means every station on the account.
	StationName string

	Backoff BackoffConfig
}

// Session is an authenticated handle returned by Authenticate.
type Session struct {
	tokenSource oauth2.TokenSource
}

// Client talks to the Netatmo weather station API.
type Client struct {
	baseURL     string
	httpClient  *http.Client
	stationName string
	backoff     BackoffConfig
	resty       *resty.Client
	circuit     *gobreaker.CircuitBreaker
}

// NewClient creates a new Client.
func NewClient(cfg Config) *Client {
	baseURL := strings.TrimRight(cfg.BaseURL, "/")
	if baseURL == "" {
		baseURL = DefaultBaseURL
	}
	hc := cfg.HTTPClient
	if hc == nil {
		hc = http.DefaultClient
	}
	backoff := cfg.Backoff
	if backoff.InitialInterval <= 0 {
		backoff = defaultBackoff
	}

	rc := resty.NewWithClient(hc)
	rc.JSONMarshal = jsoniter.ConfigCompatibleWithStandardLibrary.Marshal
	rc.JSONUnmarshal = jsoniter.ConfigCompatibleWithStandardLibrary.Unmarshal

	return &Client{
		baseURL:     baseURL,
		httpClient:  hc,
		stationName: cfg.StationName,
		backoff:     backoff,
		resty:       rc,
		circuit:     newBreaker("netatmo"),
	}
}

func (c *Client) oauthConfig(scope string) *oauth2.Config {
	return &oauth2.Config{
		Endpoint: oauth2.Endpoint{
			TokenURL:  c.baseURL + "/oauth2/token",
			AuthStyle: oauth2.AuthStyleInParams,
		},
		Scopes: []string{scope},
	}
}

// Authenticate performs an OAuth2 password grant and returns a Session whose
// token is refreshed transparently on later calls.
func (c *Client) Authenticate(ctx context.Context, creds Credentials, scope string) (*Session, error) {
	conf := c.oauthConfig(scope)
	conf.ClientID = creds.ClientID
	conf.ClientSecret = creds.ClientSecret

	ctx = context.WithValue(ctx, oauth2.HTTPClient, c.httpClient)
	tok, err := conf.PasswordCredentialsToken(ctx, creds.Username, creds.Password)
	if err != nil {
		return nil, fmt.Errorf("netatmo auth: %w", err)
	}

	// Refreshes must outlive the authentication context.
	refreshCtx := context.WithValue(context.Background(), oauth2.HTTPClient, c.httpClient)
	return &Session{tokenSource: conf.TokenSource(refreshCtx, tok)}, nil
}

// FetchLatestReadings returns the latest dashboard values of every module,
// keyed by module name.
func (c *Client) FetchLatestReadings(ctx context.Context, session *Session) (Snapshot, error) {
	if session == nil {
		return nil, fmt.Errorf("netatmo: nil session")
	}

	token, err := session.tokenSource.Token()
	if err != nil {
		return nil, fmt.Errorf("netatmo token: %w", err)
	}

	resp, err := doWithResilience(ctx, c.backoff, c.circuit, func() (*resty.Response, error) {
		return c.resty.R().
			SetContext(ctx).
			SetAuthToken(token.AccessToken).
			SetResult(&stationsDataResponse{}).
			SetError(&apiErrorEnvelope{}).
			Get(c.baseURL + "/api/getstationsdata")
	})
	if err != nil {
		return nil, err
	}

	result, ok := resp.Result().(*stationsDataResponse)
	if !ok || result == nil {
		return nil, fmt.Errorf("netatmo: unexpected stations payload")
	}

	return c.lastData(result.Body.Devices)
}

// lastData flattens station devices and their modules into a Snapshot.
func (c *Client) lastData(devices []stationDevice) (Snapshot, error) {
	snap := make(Snapshot)
	var matched int

	for _, d := range devices {
		if c.stationName != "" && d.StationName != c.stationName && d.HomeName != c.stationName {
			continue
		}
		matched++

		if d.DashboardData != nil {
			values := moduleValues(d.DashboardData)
			if d.WifiStatus != nil {
				values["wifi_status"] = *d.WifiStatus
			}
			snap[labelFor(d.ModuleName, d.ID)] = values
		}

		for _, m := range d.Modules {
			if m.DashboardData == nil {
				// Unreachable modules report no dashboard.
				continue
			}
			values := moduleValues(m.DashboardData)
			if m.BatteryPercent != nil {
				values["battery_percent"] = *m.BatteryPercent
			}
			if m.RFStatus != nil {
				values["rf_status"] = *m.RFStatus
			}
			snap[labelFor(m.ModuleName, m.ID)] = values
		}
	}

	if matched == 0 {
		return nil, ErrNoDevice
	}
	return snap, nil
}

func moduleValues(dashboard map[string]any) map[string]any {
	values := make(map[string]any, len(dashboard)+1)
	for k, v := range dashboard {
		values[k] = v
	}
	if ts, ok := dashboard["time_utc"]; ok {
		values["When"] = ts
	}
	return values
}

func labelFor(name, id string) string {
	if name != "" {
		return name
	}
	return id
}
