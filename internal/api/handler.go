package api

import (
	"context"
	"errors"
	"strconv"
	"time"

	"github.com/gofiber/fiber/v2"
	"go.uber.org/zap"

	"github.com/Checker-Finance/myconso/internal/auth"
	"github.com/Checker-Finance/myconso/internal/httpclient"
	"github.com/Checker-Finance/myconso/internal/myconso"
	"github.com/Checker-Finance/myconso/pkg/model"
)

// ConsumptionService defines the reads the handler serves.
type ConsumptionService interface {
	Dashboard(ctx context.Context, fresh bool) (*myconso.Dashboard, error)
	Housing(ctx context.Context) (myconso.Document, error)
	User(ctx context.Context) (myconso.Document, error)
	Counters(ctx context.Context) ([]myconso.Counter, error)
	MeterInfo(ctx context.Context, counterID string) (myconso.Document, error)
	Meter(ctx context.Context, counterID string, r myconso.DateRange) (myconso.Document, error)
	Consumption(ctx context.Context, fluidType string, r myconso.DateRange) (myconso.Document, error)
	SessionInfo() myconso.SessionInfo
}

// HistoryReader serves recorded readings. It is optional.
type HistoryReader interface {
	ListMeterReadings(ctx context.Context, housingID, counter string, from, to time.Time) ([]model.MeterReading, error)
}

// Handler handles the HTTP API.
type Handler struct {
	logger  *zap.Logger
	service ConsumptionService
	history HistoryReader
	now     func() time.Time
}

// NewHandler creates a Handler. history may be nil, in which case the history route answers 501.
func NewHandler(logger *zap.Logger, service ConsumptionService, history HistoryReader) *Handler {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Handler{logger: logger, service: service, history: history, now: time.Now}
}

func (h *Handler) Dashboard(c *fiber.Ctx) error {
	fresh, _ := strconv.ParseBool(c.Query("fresh"))
	d, err := h.service.Dashboard(c.UserContext(), fresh)
	if err != nil {
		return h.fail(c, "dashboard", err)
	}
	return c.JSON(fiber.Map{
		"currentMonth": d.CurrentMonth,
		"raw":          d.Raw,
	})
}

func (h *Handler) Housing(c *fiber.Ctx) error {
	doc, err := h.service.Housing(c.UserContext())
	if err != nil {
		return h.fail(c, "housing", err)
	}
	return c.JSON(doc)
}

func (h *Handler) User(c *fiber.Ctx) error {
	doc, err := h.service.User(c.UserContext())
	if err != nil {
		return h.fail(c, "user", err)
	}
	return c.JSON(doc)
}

func (h *Handler) Counters(c *fiber.Ctx) error {
	counters, err := h.service.Counters(c.UserContext())
	if err != nil {
		return h.fail(c, "counters", err)
	}
	return c.JSON(counters)
}

func (h *Handler) MeterInfo(c *fiber.Ctx) error {
	id := c.Params("id")
	doc, err := h.service.MeterInfo(c.UserContext(), id)
	if err != nil {
		return h.fail(c, "meter_info", err)
	}
	if doc == nil {
		return c.Status(fiber.StatusNotFound).JSON(fiber.Map{"error": "unknown counter " + id})
	}
	return c.JSON(doc)
}

func (h *Handler) Meter(c *fiber.Ctx) error {
	r, err := parseRange(c)
	if err != nil {
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{"error": err.Error()})
	}
	id := c.Params("id")
	doc, err := h.service.Meter(c.UserContext(), id, r)
	if err != nil {
		return h.fail(c, "meter", err)
	}
	if doc == nil {
		return c.Status(fiber.StatusNotFound).JSON(fiber.Map{"error": "unknown counter " + id})
	}
	return c.JSON(doc)
}

func (h *Handler) Consumption(c *fiber.Ctx) error {
	r, err := parseRange(c)
	if err != nil {
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{"error": err.Error()})
	}
	doc, err := h.service.Consumption(c.UserContext(), c.Params("fluid"), r)
	if err != nil {
		return h.fail(c, "consumption", err)
	}
	return c.JSON(doc)
}

// History returns recorded readings of one counter. Bounds default to the current month.
func (h *Handler) History(c *fiber.Ctx) error {
	if h.history == nil {
		return c.Status(fiber.StatusNotImplemented).JSON(fiber.Map{"error": "history store not configured"})
	}
	r, err := parseRange(c)
	if err != nil {
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{"error": err.Error()})
	}
	housing := h.service.SessionInfo().HousingID
	if housing == "" {
		return c.Status(fiber.StatusServiceUnavailable).JSON(fiber.Map{"error": "session not established yet"})
	}

	first, last := myconso.MonthBounds(h.now())
	if r.Start.IsZero() {
		r.Start = first
	}
	if r.End.IsZero() {
		r.End = last
	}
	readings, err := h.history.ListMeterReadings(c.UserContext(), housing, c.Params("id"), r.Start, r.End)
	if err != nil {
		return h.fail(c, "history", err)
	}
	if readings == nil {
		readings = []model.MeterReading{}
	}
	return c.JSON(readings)
}

func (h *Handler) Session(c *fiber.Ctx) error {
	return c.JSON(h.service.SessionInfo())
}

// fail maps client errors to gateway statuses. Upstream URL and status are kept in the body.
func (h *Handler) fail(c *fiber.Ctx, op string, err error) error {
	code := fiber.StatusBadGateway
	kind := "upstream_error"
	switch {
	case errors.Is(err, auth.ErrInvalidCredentials),
		errors.Is(err, auth.ErrNoCredentials),
		errors.Is(err, auth.ErrRefreshFailed),
		errors.Is(err, httpclient.ErrAuthentication):
		kind = "authentication"
	case errors.Is(err, httpclient.ErrTransientService):
		code = fiber.StatusServiceUnavailable
		kind = "rate_limited"
		c.Set(fiber.HeaderRetryAfter, "60")
	case errors.Is(err, httpclient.ErrTransport):
		code = fiber.StatusGatewayTimeout
		kind = "transport"
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		code = fiber.StatusGatewayTimeout
		kind = "timeout"
	case httpclient.StatusCode(err) == fiber.StatusNotFound:
		code = fiber.StatusNotFound
		kind = "not_found"
	}

	h.logger.Error("api."+op+".failed",
		zap.String("kind", kind),
		zap.Int("upstream_status", httpclient.StatusCode(err)),
		zap.Error(err))
	return c.Status(code).JSON(fiber.Map{
		"error": err.Error(),
		"kind":  kind,
	})
}
