package httpapi

import (
	"context"
	"errors"
	"strconv"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/fiber/v2/middleware/adaptor"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/i474232898/netatmo-telemetry/internal/common"
	"github.com/i474232898/netatmo-telemetry/internal/poller"
	"github.com/i474232898/netatmo-telemetry/internal/store"
	"github.com/i474232898/netatmo-telemetry/internal/telemetry"
)

var validate = validator.New()

// Reader is the read side of the telemetry store.
type Reader interface {
	Labels() []string
	GetLatest(label string) ([]telemetry.Record, error)
	GetRange(label string, kind telemetry.Kind, from, to time.Time) ([]telemetry.Record, error)
}

// StatusSource reports the poller status.
type StatusSource interface {
	Status() poller.Status
}

// Pinger is a dependency checked by the readiness endpoint.
type Pinger interface {
	Ping(ctx context.Context) error
}

// RegisterHealth wires liveness, readiness and metrics endpoints.
// The service is ready once the poller has authenticated and every pinger answers.
func RegisterHealth(app *fiber.App, status StatusSource, pingers map[string]Pinger) {
	app.Get("/health", func(c *fiber.Ctx) error {
		return c.JSON(fiber.Map{
			"status":  "ok",
			"service": "netatmo-telemetry",
		})
	})

	app.Get("/ready", func(c *fiber.Ctx) error {
		ctx, cancel := context.WithTimeout(c.UserContext(), 2*time.Second)
		defer cancel()

		st := status.Status()
		details := map[string]string{"poller": string(st.State)}
		failing := 0
		if st.State != poller.StateReady {
			failing++
		}

		for name, p := range pingers {
			if err := p.Ping(ctx); err != nil {
				details[name] = "unhealthy"
				failing++
				continue
			}
			details[name] = "healthy"
		}

		code := fiber.StatusOK
		msg := "ready"
		if failing > 0 {
			code = fiber.StatusServiceUnavailable
			msg = strconv.Itoa(failing) + " component(s) failing"
		}
		return c.Status(code).JSON(fiber.Map{
			"status":  msg,
			"details": details,
			"poller":  st,
		})
	})

	app.Get("/metrics", adaptor.HTTPHandler(promhttp.Handler()))
}

// RegisterRoutes wires the HTTP handlers into the Fiber app.
func RegisterRoutes(app *fiber.App, reader Reader) {
	v1 := app.Group("/api/v1")

	v1.Get("/kinds", func(c *fiber.Ctx) error {
		return c.JSON(telemetry.Kinds())
	})

	v1.Get("/telemetry/labels", func(c *fiber.Ctx) error {
		return c.JSON(fiber.Map{"labels": reader.Labels()})
	})

	v1.Get("/telemetry/latest", func(c *fiber.Ctx) error {
		q, err := parseLabelQuery(c)
		if err != nil {
			return fiber.NewError(fiber.StatusBadRequest, err.Error())
		}

		records, err := reader.GetLatest(q.Label)
		if err != nil {
			if errors.Is(err, store.ErrNotFound) {
				return fiber.NewError(fiber.StatusNotFound, "no telemetry for requested label")
			}
			return fiber.NewError(fiber.StatusInternalServerError, "failed to fetch telemetry")
		}

		return c.JSON(fiber.Map{
			"label":   q.Label,
			"records": records,
		})
	})

	v1.Get("/telemetry/history", func(c *fiber.Ctx) error {
		var req historyQuery
		if err := req.bind(c); err != nil {
			return fiber.NewError(fiber.StatusBadRequest, err.Error())
		}

		if err := validate.Struct(req); err != nil {
			return fiber.NewError(fiber.StatusBadRequest, err.Error())
		}

		records, err := reader.GetRange(req.Label.Label, req.Kind, req.From, req.To)
		if err != nil {
			if errors.Is(err, store.ErrNotFound) {
				return fiber.NewError(fiber.StatusNotFound, "no telemetry history for requested range")
			}
			return fiber.NewError(fiber.StatusInternalServerError, "failed to fetch telemetry history")
		}

		return c.JSON(fiber.Map{
			"label":   req.Label.Label,
			"kind":    req.Kind,
			"from":    req.From,
			"to":      req.To,
			"records": records,
		})
	})
}

// labelQuery identifies a label.
type labelQuery struct {
	Label string `validate:"required"`
}

func parseLabelQuery(c *fiber.Ctx) (labelQuery, error) {
	q := labelQuery{Label: common.NormalizeLabel(c.Query("label"))}

	if err := validate.Struct(q); err != nil {
		return q, err
	}

	return q, nil
}

// historyQuery holds query parameters for the history endpoint.
type historyQuery struct {
	Label labelQuery
	Kind  telemetry.Kind
	From  time.Time `validate:"required"`
	To    time.Time `validate:"required,gtefield=From"`
}

func (h *historyQuery) bind(c *fiber.Ctx) error {
	q, err := parseLabelQuery(c)
	if err != nil {
		return err
	}
	h.Label = q

	if k := c.Query("kind"); k != "" {
		kind, err := telemetry.ParseKind(k)
		if err != nil {
			return err
		}
		h.Kind = kind
	}

	fromStr := c.Query("from")
	toStr := c.Query("to")
	if fromStr == "" || toStr == "" {
		return errors.New("from and to query parameters are required")
	}

	from, err := parseTime(fromStr)
	if err != nil {
		return err
	}
	to, err := parseTime(toStr)
	if err != nil {
		return err
	}

	h.From = from
	h.To = to
	return nil
}

// parseTime tries to parse either RFC3339 or Unix seconds.
func parseTime(s string) (time.Time, error) {
	if ts, err := time.Parse(time.RFC3339, s); err == nil {
		return ts, nil
	}
	if unix, err := strconv.ParseInt(s, 10, 64); err == nil {
		return time.Unix(unix, 0).UTC(), nil
	}
	return time.Time{}, errors.New("invalid time format; use RFC3339 or unix seconds")
}
