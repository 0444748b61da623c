package server

import (
	"bytes"
	"errors"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"expenseflow/fault"
	"expenseflow/models"
	"expenseflow/workflow"
)

const dateLayout = "2006-01-02"

// submitForm is the multipart field set for an expense submission.
type submitForm struct {
	Amount      string `validate:"required"`
	Currency    string `validate:"required,len=3,alpha"`
	Category    string `validate:"required,max=255"`
	Description string `validate:"max=2048"`
	Date        string `validate:"required"`
}

// userRef is the public identity slice embedded in responses.
type userRef struct {
	ID   uuid.UUID `json:"id"`
	Name string    `json:"name"`
}

// slotView is one chain entry in a submission or detail response.
type slotView struct {
	ID        uuid.UUID         `json:"id"`
	Sequence  int               `json:"sequence"`
	Approver  userRef           `json:"approver"`
	Status    models.SlotStatus `json:"status"`
	Comments  string            `json:"comments,omitempty"`
	DecidedAt *time.Time        `json:"decided_at,omitempty"`
}

type submissionResponse struct {
	Expense      models.Expense `json:"expense"`
	Chain        []slotView     `json:"chain"`
	NextApprover *userRef       `json:"next_approver,omitempty"`
	Warning      string         `json:"warning,omitempty"`
}

// SubmitExpense accepts a multipart submission, stores the optional receipt
// before the database transaction, and removes it again if the transaction
// fails. Receipt media types are sniffed, never trusted from the header.
func (s *Server) SubmitExpense(w http.ResponseWriter, r *http.Request) {
	actor, err := actorFromRequest(r)
	if err != nil {
		s.writeError(w, r, err)
		return
	}

	// Generous slack over the receipt cap for the text fields.
	r.Body = http.MaxBytesReader(w, r.Body, s.maxUploadBytes+(1<<20))
	if err := r.ParseMultipartForm(s.maxUploadBytes); err != nil {
		s.writeError(w, r, fault.Wrap(fault.ValidationFailed, err, "invalid multipart payload"))
		return
	}

	form := submitForm{
		Amount:      strings.TrimSpace(r.FormValue("amount")),
		Currency:    strings.ToUpper(strings.TrimSpace(r.FormValue("currency"))),
		Category:    strings.TrimSpace(r.FormValue("category")),
		Description: strings.TrimSpace(r.FormValue("description")),
		Date:        strings.TrimSpace(r.FormValue("date")),
	}
	if err := s.validate.Struct(form); err != nil {
		s.writeError(w, r, fault.Wrap(fault.ValidationFailed, err, "invalid submission"))
		return
	}
	amount, err := decimal.NewFromString(form.Amount)
	if err != nil {
		s.writeError(w, r, fault.New(fault.ValidationFailed, "amount %q is not a number", form.Amount))
		return
	}
	expenseDate, err := time.Parse(dateLayout, form.Date)
	if err != nil {
		s.writeError(w, r, fault.New(fault.ValidationFailed, "date must use the %s layout", dateLayout))
		return
	}

	receiptURL, err := s.storeReceipt(r)
	if err != nil {
		s.writeError(w, r, err)
		return
	}

	result, err := s.engine.Submit(r.Context(), workflow.SubmitInput{
		Actor:       actor,
		Amount:      amount,
		Currency:    form.Currency,
		Category:    form.Category,
		Description: form.Description,
		ExpenseDate: expenseDate,
		ReceiptURL:  receiptURL,
	})
	if err != nil {
		// Compensate: the transaction rolled back, so the stored file is an
		// orphan and must go.
		if receiptURL != "" {
			if rmErr := s.receipts.Remove(receiptURL); rmErr != nil {
				s.log.Warn("remove orphaned receipt", "url", receiptURL, "error", rmErr)
			}
		}
		s.writeError(w, r, err)
		return
	}

	resp := submissionResponse{
		Expense: result.Expense,
		Chain:   make([]slotView, 0, len(result.Chain)),
		Warning: result.Warning,
	}
	for _, slot := range result.Chain {
		resp.Chain = append(resp.Chain, viewSlot(slot))
	}
	if result.NextApprover != nil {
		resp.NextApprover = &userRef{ID: result.NextApprover.ID, Name: result.NextApprover.Name}
	}
	writeJSON(w, http.StatusCreated, resp)
}

// storeReceipt validates and persists the optional receipt part, returning
// its opaque URL. Absence is not an error.
func (s *Server) storeReceipt(r *http.Request) (string, error) {
	file, header, err := r.FormFile("receipt")
	if err != nil {
		if errors.Is(err, http.ErrMissingFile) {
			return "", nil
		}
		return "", fault.Wrap(fault.ValidationFailed, err, "invalid receipt upload")
	}
	defer func() { _ = file.Close() }()

	if header.Size > s.maxUploadBytes {
		return "", fault.New(fault.ValidationFailed, "receipt exceeds the %d byte limit", s.maxUploadBytes)
	}

	head := make([]byte, 512)
	n, err := io.ReadFull(file, head)
	if err != nil && !errors.Is(err, io.ErrUnexpectedEOF) && !errors.Is(err, io.EOF) {
		return "", fault.Wrap(fault.ValidationFailed, err, "unreadable receipt upload")
	}
	head = head[:n]
	contentType := http.DetectContentType(head)
	if !strings.HasPrefix(contentType, "image/") && contentType != "application/pdf" {
		return "", fault.New(fault.ValidationFailed, "receipt must be an image or a PDF, got %s", contentType)
	}

	url, checksum, err := s.receipts.Save(uuid.New(), header.Filename, io.MultiReader(bytes.NewReader(head), file))
	if err != nil {
		return "", fault.Wrap(fault.Internal, err, "store receipt")
	}
	s.log.Debug("receipt stored", "url", url, "sha256", checksum)
	return url, nil
}

// MyExpenses lists the caller's own expenses with their chains.
func (s *Server) MyExpenses(w http.ResponseWriter, r *http.Request) {
	actor, err := actorFromRequest(r)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	filter, err := parseFilter(r)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	list, err := s.engine.ListMyExpenses(r.Context(), actor, filter)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, list)
}

// ListExpenses is the company-wide listing for managers and admins.
func (s *Server) ListExpenses(w http.ResponseWriter, r *http.Request) {
	actor, err := actorFromRequest(r)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	filter, err := parseFilter(r)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	list, err := s.engine.ListExpenses(r.Context(), actor, filter)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, list)
}

// GetExpense returns one expense with its full chain, subject to the
// role-scoped visibility rules.
func (s *Server) GetExpense(w http.ResponseWriter, r *http.Request) {
	actor, err := actorFromRequest(r)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	id, err := uuid.Parse(chi.URLParam(r, "id"))
	if err != nil {
		s.writeError(w, r, fault.New(fault.ValidationFailed, "invalid expense id"))
		return
	}
	expense, err := s.engine.GetExpense(r.Context(), actor, id)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, expense)
}

func viewSlot(slot models.ApprovalSlot) slotView {
	v := slotView{
		ID:        slot.ID,
		Sequence:  slot.Sequence,
		Status:    slot.Status,
		Comments:  slot.Comments,
		DecidedAt: slot.DecidedAt,
	}
	if slot.Approver != nil {
		v.Approver = userRef{ID: slot.Approver.ID, Name: slot.Approver.Name}
	} else {
		v.Approver = userRef{ID: slot.ApproverID}
	}
	return v
}

// parseFilter reads pagination and filter query parameters.
func parseFilter(r *http.Request) (workflow.PageFilter, error) {
	q := r.URL.Query()
	filter := workflow.PageFilter{
		Status:   q.Get("status"),
		Category: q.Get("category"),
	}
	if raw := strings.TrimSpace(q.Get("page")); raw != "" {
		page, err := strconv.Atoi(raw)
		if err != nil || page < 1 {
			return filter, fault.New(fault.ValidationFailed, "page must be a positive integer")
		}
		filter.Page = page
	}
	if raw := strings.TrimSpace(q.Get("limit")); raw != "" {
		limit, err := strconv.Atoi(raw)
		if err != nil || limit < 1 {
			return filter, fault.New(fault.ValidationFailed, "limit must be a positive integer")
		}
		filter.Limit = limit
	}
	if raw := strings.TrimSpace(q.Get("startDate")); raw != "" {
		start, err := time.Parse(dateLayout, raw)
		if err != nil {
			return filter, fault.New(fault.ValidationFailed, "startDate must use the %s layout", dateLayout)
		}
		filter.StartDate = &start
	}
	if raw := strings.TrimSpace(q.Get("endDate")); raw != "" {
		end, err := time.Parse(dateLayout, raw)
		if err != nil {
			return filter, fault.New(fault.ValidationFailed, "endDate must use the %s layout", dateLayout)
		}
		filter.EndDate = &end
	}
	if status := strings.TrimSpace(filter.Status); status != "" {
		switch models.ExpenseStatus(strings.ToLower(status)) {
		case models.ExpensePending, models.ExpenseApproved, models.ExpenseRejected:
		default:
			return filter, fault.New(fault.ValidationFailed, "status must be pending, approved, or rejected")
		}
	}
	return filter, nil
}
