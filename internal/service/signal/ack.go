package signal

import (
	"context"
	"fmt"
	"strings"
	"time"

	"copyhub/internal/domain"
	"copyhub/internal/store"
)

type AckRequest struct {
	ExecutionID    string  `json:"execution_id" validate:"required"`
	Status         string  `json:"status" validate:"required"`
	ExecutedVolume float64 `json:"executed_volume"`
	ExecutedPrice  float64 `json:"executed_price"`
	Slippage       float64 `json:"slippage"`
	ReceiverTicket int64   `json:"receiver_ticket"`
	ErrorCode      string  `json:"error_code"`
	ErrorMessage   string  `json:"error_message"`
}

// Acknowledge settles one execution. The winning transition out of PENDING
// happens exactly once per execution no matter how many duplicate or
// concurrent calls arrive: everything after the first write observes the
// stored terminal state and is answered with success naming it.
func (s *Service) Acknowledge(ctx context.Context, userID, accountNumber string, req AckRequest, now time.Time) (domain.AckResult, error) {
	acct, err := s.store.AccountByNumber(accountNumber)
	if err != nil {
		return domain.AckResult{}, fmt.Errorf("resolve receiver account: %w", err)
	}
	if acct.UserID != userID {
		return domain.AckResult{}, fmt.Errorf("resolve receiver account: %w", store.ErrNotFound)
	}

	exec, err := s.store.ExecutionForAccount(req.ExecutionID, acct.ID)
	if err != nil {
		return domain.AckResult{}, fmt.Errorf("load execution: %w", err)
	}
	if exec.Status.Terminal() {
		s.metrics.Acknowledged("duplicate")
		return alreadyAcked(exec.Status), nil
	}

	kind, ok := ClassifyStatus(req.Status)
	if !ok {
		// Unrecognized status strings are an explicit no-op: the execution
		// stays PENDING and the caller is told the acknowledgment failed.
		s.metrics.Acknowledged("rejected")
		s.log.Warn().
			Str("execution_id", req.ExecutionID).
			Str("status", req.Status).
			Msg("unrecognized acknowledgment status")
		return domain.AckResult{Success: false, Message: "Failed to acknowledge execution"}, nil
	}

	detail := domain.AckDetail{
		ExecutedVolume: req.ExecutedVolume,
		ExecutedPrice:  req.ExecutedPrice,
		Slippage:       req.Slippage,
		ReceiverTicket: req.ReceiverTicket,
		ErrorCode:      req.ErrorCode,
		ErrorMessage:   req.ErrorMessage,
	}
	if detail.ErrorMessage == "" {
		detail.ErrorMessage = errorMessageFromStatus(req.Status)
	}

	won, err := s.store.SettleExecution(exec.ID, kind, detail, now)
	if err != nil {
		return domain.AckResult{}, fmt.Errorf("settle execution: %w", err)
	}
	if !won {
		// Another acknowledgment or the sweeper got there first. Report the
		// stored outcome; from the caller's view this is still success.
		current, err := s.store.ExecutionForAccount(req.ExecutionID, acct.ID)
		if err != nil {
			return domain.AckResult{}, fmt.Errorf("reload execution: %w", err)
		}
		s.metrics.Acknowledged("duplicate")
		return alreadyAcked(current.Status), nil
	}

	s.metrics.Acknowledged(string(kind))
	s.emitEvent(domain.EventSignalAcked, userID, acct.ID, map[string]interface{}{
		"execution_id":    exec.ID,
		"signal_id":       exec.SignalID,
		"status":          string(kind),
		"executed_price":  detail.ExecutedPrice,
		"receiver_ticket": detail.ReceiverTicket,
		"error_code":      detail.ErrorCode,
	})
	s.log.Info().
		Str("execution_id", exec.ID).
		Str("signal_id", exec.SignalID).
		Str("status", string(kind)).
		Msg("execution acknowledged")
	return domain.AckResult{
		Success: true,
		Message: fmt.Sprintf("acknowledged as %s", kind),
		Status:  kind,
	}, nil
}

func alreadyAcked(status domain.ExecutionStatus) domain.AckResult {
	return domain.AckResult{
		Success: true,
		Message: fmt.Sprintf("already acknowledged as %s", status),
		Status:  status,
	}
}

// ClassifyStatus maps a terminal-reported status string to exactly one
// terminal kind. Terminals append broker detail after the base word
// ("EXECUTED@1.10505", "FAILED:off quotes"), so base words match by
// prefix; EXPIRED must be exact because the terminal never generates it
// with a suffix. Anything else reports false and triggers no transition.
func ClassifyStatus(raw string) (domain.ExecutionStatus, bool) {
	s := strings.ToUpper(strings.TrimSpace(raw))
	switch {
	case strings.HasPrefix(s, "EXECUTED"):
		return domain.ExecutionStatusExecuted, true
	case strings.HasPrefix(s, "FAILED"):
		return domain.ExecutionStatusFailed, true
	case s == "EXPIRED":
		return domain.ExecutionStatusExpired, true
	case strings.HasPrefix(s, "REJECTED"), strings.HasPrefix(s, "SKIPPED"):
		return domain.ExecutionStatusSkipped, true
	default:
		return "", false
	}
}

// errorMessageFromStatus pulls the detail out of a colon-delimited status
// string ("FAILED:market closed") when no explicit error message came with
// the request.
func errorMessageFromStatus(raw string) string {
	if _, after, found := strings.Cut(raw, ":"); found {
		return strings.TrimSpace(after)
	}
	return ""
}
