package billing

import (
	"encoding/json"
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/labstack/echo/v4"
	"github.com/shopspring/decimal"

	"github.com/physiocare/clinic/internal/platform/auth"
	"github.com/physiocare/clinic/internal/platform/httpx"
	"github.com/physiocare/clinic/pkg/pagination"
)

type Handler struct {
	svc *Service
}

func NewHandler(svc *Service) *Handler {
	return &Handler{svc: svc}
}

func (h *Handler) RegisterRoutes(api *echo.Group) {
	// Front desk and billing staff
	desk := api.Group("", auth.RequireRole(auth.RoleAdmin, auth.RoleBilling, auth.RoleReception))
	desk.POST("/bills/create", h.CreateBill)
	desk.GET("/bills", h.ListBills)
	desk.GET("/bills/:id", h.GetBill)
	desk.POST("/bills/:id/cancel", h.CancelBill)
	desk.POST("/bills/:id/payments", h.AddPayment)
	desk.GET("/bill-configs", h.ListBillConfigs)
	desk.GET("/bill-configs/:id", h.GetBillConfig)

	// Catalogue maintenance
	catalogue := api.Group("", auth.RequireRole(auth.RoleAdmin, auth.RoleBilling))
	catalogue.POST("/bill-configs", h.CreateBillConfig)
	catalogue.PUT("/bill-configs/:id", h.UpdateBillConfig)
}

// -- Request bodies --

type lineItemRequest struct {
	Service  string              `json:"service" validate:"required,max=200"`
	Quantity *int                `json:"quantity" validate:"omitempty,min=1"`
	Price    decimal.NullDecimal `json:"price" validate:"required,money"`
	Tax      decimal.NullDecimal `json:"tax" validate:"omitempty,money"`
	Discount decimal.NullDecimal `json:"discount" validate:"omitempty,money"`
	Total    decimal.NullDecimal `json:"total" validate:"required,money"`
}

func (r lineItemRequest) toItem() LineItem {
	qty := 1
	if r.Quantity != nil {
		qty = *r.Quantity
	}
	return LineItem{
		Service:  strings.TrimSpace(r.Service),
		Quantity: qty,
		Price:    r.Price.Decimal,
		Tax:      r.Tax.Decimal,
		Discount: r.Discount.Decimal,
		Total:    r.Total.Decimal,
	}
}

type createBillRequest struct {
	Patient  string              `json:"patient" validate:"required,uuid"`
	Items    []lineItemRequest   `json:"items" validate:"required,min=1,dive"`
	Discount decimal.NullDecimal `json:"discount" validate:"omitempty,money"`
	Notes    string              `json:"notes" validate:"max=2000"`
}

// paymentDate accepts RFC 3339 timestamps and plain YYYY-MM-DD dates.
type paymentDate struct {
	time.Time
}

func (d *paymentDate) UnmarshalJSON(b []byte) error {
	var s string
	if err := json.Unmarshal(b, &s); err != nil {
		return err
	}
	if t, err := time.Parse(time.RFC3339Nano, s); err == nil {
		d.Time = t
		return nil
	}
	t, err := time.Parse(dayLayout, s)
	if err != nil {
		return errors.New("date must be RFC 3339 or YYYY-MM-DD")
	}
	d.Time = t
	return nil
}

type insuranceRequest struct {
	Provider          string              `json:"provider" validate:"max=200"`
	PolicyNumber      string              `json:"policy_number" validate:"max=100"`
	PolicyNumberCamel string              `json:"policyNumber" validate:"max=100"`
	Coverage          decimal.NullDecimal `json:"coverage" validate:"omitempty,money"`
}

func (r *insuranceRequest) toDetails() *InsuranceDetails {
	policy := r.PolicyNumber
	if policy == "" {
		policy = r.PolicyNumberCamel
	}
	return &InsuranceDetails{
		Provider:     r.Provider,
		PolicyNumber: policy,
		Coverage:     r.Coverage.Decimal,
	}
}

type paymentRequest struct {
	Amount           decimal.NullDecimal `json:"amount" validate:"required,positive"`
	Method           string              `json:"method" validate:"required,oneof=cash mobile_money card insurance"`
	Date             *paymentDate        `json:"date" validate:"required"`
	InsuranceDetails *insuranceRequest   `json:"insurance_details"`
	InsuranceCamel   *insuranceRequest   `json:"insuranceDetails"`
}

// insurance returns the insurance block under either accepted key.
func (r *paymentRequest) insurance() *insuranceRequest {
	if r.InsuranceDetails != nil {
		return r.InsuranceDetails
	}
	return r.InsuranceCamel
}

type cancelRequest struct {
	Reason string `json:"reason" validate:"required,max=500"`
}

type billConfigRequest struct {
	Name        string              `json:"name" validate:"required,max=200"`
	Category    string              `json:"category" validate:"required,oneof=consultation therapy assessment other"`
	Price       decimal.NullDecimal `json:"price" validate:"required,money"`
	Tax         decimal.NullDecimal `json:"tax" validate:"omitempty,money"`
	Description string              `json:"description" validate:"max=1000"`
	IsActive    *bool               `json:"is_active"`
}

func (r billConfigRequest) toConfig() *BillConfig {
	active := true
	if r.IsActive != nil {
		active = *r.IsActive
	}
	return &BillConfig{
		Name:        strings.TrimSpace(r.Name),
		Category:    Category(r.Category),
		Price:       r.Price.Decimal,
		Tax:         r.Tax.Decimal,
		Description: r.Description,
		IsActive:    active,
	}
}

// toHTTPError maps domain errors onto client-facing statuses. Anything
// unrecognised is returned as is and rendered as a 500.
func toHTTPError(err error) error {
	switch {
	case IsValidation(err):
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	case errors.Is(err, ErrBillNotFound):
		return echo.NewHTTPError(http.StatusNotFound, "Bill not found")
	case errors.Is(err, ErrBillConfigNotFound):
		return echo.NewHTTPError(http.StatusNotFound, "Bill configuration not found")
	case errors.Is(err, ErrPatientNotFound):
		return echo.NewHTTPError(http.StatusNotFound, "Patient not found")
	case errors.Is(err, ErrAlreadyCancelled):
		return echo.NewHTTPError(http.StatusBadRequest, "Bill is already cancelled")
	case errors.Is(err, ErrCannotCancelPaid):
		return echo.NewHTTPError(http.StatusBadRequest, "Cannot cancel a paid bill")
	case errors.Is(err, ErrBillCancelled):
		return echo.NewHTTPError(http.StatusBadRequest, "Cannot add a payment to a cancelled bill")
	case errors.Is(err, ErrRetriesExhausted):
		return echo.NewHTTPError(http.StatusInternalServerError, "Bill is being updated by another request, please retry").SetInternal(err)
	}
	return err
}

func parseID(c echo.Context, name string) (uuid.UUID, error) {
	id, err := uuid.Parse(c.Param(name))
	if err != nil {
		return uuid.Nil, echo.NewHTTPError(http.StatusBadRequest, "Invalid id")
	}
	return id, nil
}

// -- Bill Handlers --

func (h *Handler) CreateBill(c echo.Context) error {
	var req createBillRequest
	if err := httpx.Bind(c, &req); err != nil {
		return err
	}
	patientID, _ := uuid.Parse(req.Patient)

	in := CreateBillInput{
		PatientID: patientID,
		Items:     make([]LineItem, len(req.Items)),
		Discount:  req.Discount.Decimal,
		Notes:     req.Notes,
		CreatedBy: auth.UserIDFromContext(c.Request().Context()),
	}
	for i, it := range req.Items {
		in.Items[i] = it.toItem()
	}

	bill, err := h.svc.CreateBill(c.Request().Context(), in)
	if err != nil {
		return toHTTPError(err)
	}
	return httpx.JSON(c, http.StatusCreated, bill)
}

func (h *Handler) GetBill(c echo.Context) error {
	id, err := parseID(c, "id")
	if err != nil {
		return err
	}
	bill, err := h.svc.GetBill(c.Request().Context(), id)
	if err != nil {
		return toHTTPError(err)
	}
	return httpx.JSON(c, http.StatusOK, bill)
}

// queryParam returns the first non-empty value among the given names, so
// both snake_case and camelCase query keys are understood.
func queryParam(c echo.Context, names ...string) string {
	for _, n := range names {
		if v := c.QueryParam(n); v != "" {
			return v
		}
	}
	return ""
}

func (h *Handler) ListBills(c echo.Context) error {
	pg := pagination.FromContext(c)

	var f ListFilter
	f.Status = Status(c.QueryParam("status"))
	if p := queryParam(c, "patient", "patient_id"); p != "" {
		pid, err := uuid.Parse(p)
		if err != nil {
			return echo.NewHTTPError(http.StatusBadRequest, "Invalid patient id")
		}
		f.PatientID = &pid
	}

	// The date range only applies when both ends are given.
	start := queryParam(c, "start_date", "startDate")
	end := queryParam(c, "end_date", "endDate")
	if start != "" && end != "" {
		from, to, err := h.svc.DayRange(start, end)
		if err != nil {
			return toHTTPError(err)
		}
		f.From, f.To = &from, &to
	}

	bills, total, err := h.svc.ListBills(c.Request().Context(), f, pg.Limit, pg.Offset())
	if err != nil {
		return toHTTPError(err)
	}
	return c.JSON(http.StatusOK, pagination.NewResponse(bills, total, pg))
}

func (h *Handler) CancelBill(c echo.Context) error {
	id, err := parseID(c, "id")
	if err != nil {
		return err
	}
	var req cancelRequest
	if err := httpx.Bind(c, &req); err != nil {
		return err
	}
	bill, err := h.svc.CancelBill(c.Request().Context(), id, req.Reason, auth.UserIDFromContext(c.Request().Context()))
	if err != nil {
		return toHTTPError(err)
	}
	return httpx.JSON(c, http.StatusOK, bill)
}

func (h *Handler) AddPayment(c echo.Context) error {
	id, err := parseID(c, "id")
	if err != nil {
		return err
	}
	var req paymentRequest
	if err := httpx.Bind(c, &req); err != nil {
		return err
	}

	p := Payment{
		Amount: req.Amount.Decimal,
		Method: PaymentMethod(req.Method),
		Date:   req.Date.Time,
	}
	if ins := req.insurance(); ins != nil {
		p.InsuranceDetails = ins.toDetails()
	}

	bill, err := h.svc.AddPayment(c.Request().Context(), id, p)
	if err != nil {
		return toHTTPError(err)
	}
	return httpx.JSON(c, http.StatusOK, bill)
}

// -- Bill Config Handlers --

func (h *Handler) CreateBillConfig(c echo.Context) error {
	var req billConfigRequest
	if err := httpx.Bind(c, &req); err != nil {
		return err
	}
	cfg := req.toConfig()
	if err := h.svc.CreateBillConfig(c.Request().Context(), cfg); err != nil {
		return toHTTPError(err)
	}
	return httpx.JSON(c, http.StatusCreated, cfg)
}

func (h *Handler) ListBillConfigs(c echo.Context) error {
	configs, err := h.svc.ListBillConfigs(c.Request().Context())
	if err != nil {
		return toHTTPError(err)
	}
	return httpx.JSON(c, http.StatusOK, configs)
}

func (h *Handler) GetBillConfig(c echo.Context) error {
	id, err := parseID(c, "id")
	if err != nil {
		return err
	}
	cfg, err := h.svc.GetBillConfig(c.Request().Context(), id)
	if err != nil {
		return toHTTPError(err)
	}
	return httpx.JSON(c, http.StatusOK, cfg)
}

func (h *Handler) UpdateBillConfig(c echo.Context) error {
	id, err := parseID(c, "id")
	if err != nil {
		return err
	}
	var req billConfigRequest
	if err := httpx.Bind(c, &req); err != nil {
		return err
	}
	cfg := req.toConfig()
	cfg.ID = id
	if err := h.svc.UpdateBillConfig(c.Request().Context(), cfg); err != nil {
		return toHTTPError(err)
	}
	return httpx.JSON(c, http.StatusOK, cfg)
}
