package api

import (
	"encoding/json"
	"errors"
	"net/http"
	"net/http/pprof"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-playground/validator/v10"

	"dealflow/internal/domain"
	"dealflow/internal/dropdown"
	"dealflow/internal/store"
	"dealflow/internal/submit"
)

type Server struct {
	r         *chi.Mux
	repo      store.Repository
	submitter *submit.Service
	dropdowns *dropdown.Service
	validate  *validator.Validate
}

func NewServer(repo store.Repository, submitter *submit.Service, dropdowns *dropdown.Service) http.Handler {
	return NewServerWithDebug(repo, submitter, dropdowns, false)
}

func NewServerWithDebug(repo store.Repository, submitter *submit.Service, dropdowns *dropdown.Service, enableDebug bool) http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID, middleware.RealIP, middleware.Logger, middleware.Recoverer)

	s := &Server{r: r, repo: repo, submitter: submitter, dropdowns: dropdowns, validate: validator.New()}

	r.Get("/health", s.health)
	r.Get("/metrics", s.metrics)

	r.Post("/deals", s.createDeal)
	r.Get("/deals/{dealID}", s.getDeal)
	r.Post("/deals/{dealID}/cancel", s.cancelDeal)
	r.Post("/deals/{dealID}/submit", s.submitDeal)
	r.Get("/task-status/{taskStatusID}", s.getTaskStatus)

	r.Get("/dropdowns", s.listDropdowns)
	r.Post("/dropdowns", s.createDropdown)
	r.Put("/dropdowns/{optionID}", s.updateDropdown)
	r.Delete("/dropdowns/{optionID}", s.deleteDropdown)

	if enableDebug {
		r.HandleFunc("/debug/pprof/", pprof.Index)
		r.HandleFunc("/debug/pprof/cmdline", pprof.Cmdline)
		r.HandleFunc("/debug/pprof/profile", pprof.Profile)
		r.HandleFunc("/debug/pprof/symbol", pprof.Symbol)
		r.HandleFunc("/debug/pprof/trace", pprof.Trace)
		r.Handle("/debug/pprof/goroutine", pprof.Handler("goroutine"))
		r.Handle("/debug/pprof/heap", pprof.Handler("heap"))
	}

	return r
}

func (s *Server) health(w http.ResponseWriter, r *http.Request) {
	w.WriteHeader(http.StatusOK)
	w.Write([]byte("ok"))
}

func (s *Server) metrics(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("content-type", "text/plain; version=0.0.4")
	w.WriteHeader(http.StatusOK)
	w.Write([]byte("dealflow_up 1\n"))
}

type createDealReq struct {
	UserID            *string `json:"user_id"`
	ConfirmationID    *string `json:"confirmation_id"`
	CommercialTermsID *string `json:"commercial_terms_id"`
	PaymentTermsID    *string `json:"payment_terms_id"`
}

type dealResp struct {
	ID                string  `json:"id"`
	UserID            *string `json:"user_id"`
	ConfirmationID    *string `json:"confirmation_id"`
	CommercialTermsID *string `json:"commercial_terms_id"`
	PaymentTermsID    *string `json:"payment_terms_id"`
	Status            string  `json:"status"`
	CreatedAt         string  `json:"created_at"`
	UpdatedAt         string  `json:"updated_at"`
}

func toDealResp(d domain.Deal) dealResp {
	return dealResp{
		ID:                d.ID,
		UserID:            d.UserID,
		ConfirmationID:    d.ConfirmationID,
		CommercialTermsID: d.CommercialTermsID,
		PaymentTermsID:    d.PaymentTermsID,
		Status:            d.Status,
		CreatedAt:         d.CreatedAt.Format(time.RFC3339),
		UpdatedAt:         d.UpdatedAt.Format(time.RFC3339),
	}
}

func (s *Server) createDeal(w http.ResponseWriter, r *http.Request) {
	var req createDealReq
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	id, err := s.repo.CreateDeal(r.Context(), domain.Deal{
		UserID:            req.UserID,
		ConfirmationID:    req.ConfirmationID,
		CommercialTermsID: req.CommercialTermsID,
		PaymentTermsID:    req.PaymentTermsID,
	})
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	deal, err := s.repo.GetDeal(r.Context(), id)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusCreated, toDealResp(deal))
}

func (s *Server) getDeal(w http.ResponseWriter, r *http.Request) {
	deal, err := s.repo.GetDeal(r.Context(), chi.URLParam(r, "dealID"))
	if err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, toDealResp(deal))
}

func (s *Server) cancelDeal(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "dealID")
	if err := s.repo.CancelDeal(r.Context(), id); err != nil {
		if errors.Is(err, domain.ErrStateConflict) {
			writeError(w, http.StatusBadRequest, "Deal cannot be cancelled in its current status")
			return
		}
		writeDomainError(w, err)
		return
	}
	deal, err := s.repo.GetDeal(r.Context(), id)
	if err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, toDealResp(deal))
}

type submitResp struct {
	Message      string `json:"message"`
	TaskID       string `json:"task_id"`
	TaskStatusID string `json:"task_status_id"`
	Status       string `json:"status"`
}

func (s *Server) submitDeal(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "dealID")
	res, err := s.submitter.Submit(r.Context(), id)
	if err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, submitResp{
		Message:      "Deal submitted successfully for processing",
		TaskID:       res.TaskID,
		TaskStatusID: res.TaskStatusID,
		Status:       domain.DealSubmitted,
	})
}

type taskStatusResp struct {
	TaskID      *string `json:"task_id"`
	Status      string  `json:"status"`
	Message     string  `json:"message"`
	CreatedAt   string  `json:"created_at"`
	UpdatedAt   string  `json:"updated_at"`
	CompletedAt *string `json:"completed_at"`
	DealID      string  `json:"deal_id"`
}

func (s *Server) getTaskStatus(w http.ResponseWriter, r *http.Request) {
	t, err := s.repo.GetTaskStatus(r.Context(), chi.URLParam(r, "taskStatusID"))
	if err != nil {
		writeDomainError(w, err)
		return
	}
	resp := taskStatusResp{
		TaskID:    t.DispatchID,
		Status:    t.Status,
		Message:   t.Message,
		CreatedAt: t.CreatedAt.Format(time.RFC3339),
		UpdatedAt: t.UpdatedAt.Format(time.RFC3339),
		DealID:    t.DealID,
	}
	if t.CompletedAt != nil {
		c := t.CompletedAt.Format(time.RFC3339)
		resp.CompletedAt = &c
	}
	writeJSON(w, http.StatusOK, resp)
}

func (s *Server) listDropdowns(w http.ResponseWriter, r *http.Request) {
	payload, err := s.dropdowns.ListActive(r.Context())
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	w.Header().Set("content-type", "application/json")
	w.WriteHeader(http.StatusOK)
	w.Write(payload)
}

type dropdownReq struct {
	FieldName    string          `json:"field_name" validate:"required,max=100"`
	OptionValues json.RawMessage `json:"option_values"`
	DisplayOrder *int            `json:"display_order" validate:"omitempty,gte=0"`
	TooltipText  *string         `json:"tooltip_text"`
	IsActive     *bool           `json:"is_active"`
}

func (s *Server) createDropdown(w http.ResponseWriter, r *http.Request) {
	var req dropdownReq
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	if err := s.validate.Struct(req); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	opt := domain.DropdownOption{
		FieldName:    req.FieldName,
		OptionValues: string(req.OptionValues),
		TooltipText:  req.TooltipText,
		IsActive:     req.IsActive == nil || *req.IsActive,
	}
	if req.DisplayOrder != nil {
		opt.DisplayOrder = *req.DisplayOrder
	}
	id, err := s.repo.CreateDropdownOption(r.Context(), opt)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	// Writes invalidate before responding so the next read is fresh.
	s.dropdowns.Invalidate(r.Context())
	writeJSON(w, http.StatusCreated, map[string]string{"id": id})
}

func (s *Server) updateDropdown(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "optionID")
	opt, err := s.repo.GetDropdownOption(r.Context(), id)
	if err != nil {
		writeDomainError(w, err)
		return
	}
	var req dropdownReq
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	if req.FieldName != "" {
		opt.FieldName = req.FieldName
	}
	if req.OptionValues != nil {
		opt.OptionValues = string(req.OptionValues)
	}
	if req.DisplayOrder != nil {
		opt.DisplayOrder = *req.DisplayOrder
	}
	if req.TooltipText != nil {
		opt.TooltipText = req.TooltipText
	}
	if req.IsActive != nil {
		opt.IsActive = *req.IsActive
	}
	if err := s.validate.Struct(dropdownReq{FieldName: opt.FieldName, DisplayOrder: &opt.DisplayOrder}); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	if err := s.repo.UpdateDropdownOption(r.Context(), opt); err != nil {
		writeDomainError(w, err)
		return
	}
	s.dropdowns.Invalidate(r.Context())
	writeJSON(w, http.StatusOK, map[string]string{"id": id})
}

func (s *Server) deleteDropdown(w http.ResponseWriter, r *http.Request) {
	if err := s.repo.DeleteDropdownOption(r.Context(), chi.URLParam(r, "optionID")); err != nil {
		writeDomainError(w, err)
		return
	}
	s.dropdowns.Invalidate(r.Context())
	w.WriteHeader(http.StatusNoContent)
}

func writeDomainError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, domain.ErrNotFound):
		writeError(w, http.StatusNotFound, "not found")
	case errors.Is(err, domain.ErrStateConflict):
		writeError(w, http.StatusBadRequest, "Deal is already submitted or processed")
	default:
		writeError(w, http.StatusInternalServerError, err.Error())
	}
}

func writeError(w http.ResponseWriter, code int, msg string) {
	writeJSON(w, code, map[string]string{"error": msg})
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("content-type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(v)
}
