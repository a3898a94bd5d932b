package commands

import (
	"errors"
	"testing"
	"time"
)

func TestDispatchSetsSent(t *testing.T) {
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	cmd := &Command{Status: StatusQueued, TTL: 2}
	if err := cmd.Dispatch(now); err != nil {
		t.Fatalf("dispatch: %v", err)
	}
	if cmd.Status != StatusSent {
		t.Fatalf("expected sent, got %s", cmd.Status)
	}
	if !cmd.SentAt.Equal(now) {
		t.Fatalf("expected sent_at %v, got %v", now, cmd.SentAt)
	}
}

func TestDispatchExhaustedTTLExpires(t *testing.T) {
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	cmd := &Command{Status: StatusQueued, TTL: 0}
	err := cmd.Dispatch(now)
	if !errors.Is(err, ErrTTLExhausted) {
		t.Fatalf("expected ErrTTLExhausted, got %v", err)
	}
	if cmd.Status != StatusExpired {
		t.Fatalf("expected expired, got %s", cmd.Status)
	}
}

func TestDispatchRejectsNonQueued(t *testing.T) {
	cmd := &Command{Status: StatusSent, TTL: 2}
	if err := cmd.Dispatch(time.Now().UTC()); !errors.Is(err, ErrInvalidTransition) {
		t.Fatalf("expected ErrInvalidTransition, got %v", err)
	}
}

func TestReplyAcknowledged(t *testing.T) {
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	cmd := &Command{Status: StatusSent, TTL: 2}
	if err := cmd.ApplyReply(ReplyAcknowledged, "", now); err != nil {
		t.Fatalf("apply reply: %v", err)
	}
	if cmd.Status != StatusAcknowledged {
		t.Fatalf("expected acknowledged, got %s", cmd.Status)
	}
	if !cmd.AcknowledgedAt.Equal(now) {
		t.Fatalf("expected acknowledged_at set")
	}
}

func TestReplyErrorVariants(t *testing.T) {
	for _, outcome := range []ReplyOutcome{ReplyError, ReplyCommandFormatError} {
		cmd := &Command{Status: StatusSent, TTL: 2}
		if err := cmd.ApplyReply(outcome, "device said no", time.Now().UTC()); err != nil {
			t.Fatalf("%s: apply reply: %v", outcome, err)
		}
		if cmd.Status != StatusError {
			t.Fatalf("%s: expected error status, got %s", outcome, cmd.Status)
		}
		if cmd.Error != "device said no" {
			t.Fatalf("%s: expected error text recorded", outcome)
		}
	}
}

func TestReplyNotNowRequeues(t *testing.T) {
	cmd := &Command{Status: StatusSent, TTL: 2}
	if err := cmd.ApplyReply(ReplyNotNow, "", time.Now().UTC()); err != nil {
		t.Fatalf("apply reply: %v", err)
	}
	if cmd.Status != StatusQueued {
		t.Fatalf("expected queued, got %s", cmd.Status)
	}
	if cmd.TTL != 1 {
		t.Fatalf("expected ttl 1, got %d", cmd.TTL)
	}
}

// The decrement and the expired decision happen in one step: a command can
// never be left queued with a zero budget.
func TestReplyNotNowLastAttemptExpires(t *testing.T) {
	cmd := &Command{Status: StatusSent, TTL: 1}
	if err := cmd.ApplyReply(ReplyNotNow, "", time.Now().UTC()); err != nil {
		t.Fatalf("apply reply: %v", err)
	}
	if cmd.Status != StatusExpired {
		t.Fatalf("expected expired, got %s", cmd.Status)
	}
	if cmd.Status == StatusQueued && cmd.TTL <= 0 {
		t.Fatalf("zero-ttl queued state must be unreachable")
	}
}

func TestTimeoutRequeuesOrExpires(t *testing.T) {
	cmd := &Command{Status: StatusSent, TTL: 3}
	if err := cmd.Timeout(time.Now().UTC()); err != nil {
		t.Fatalf("timeout: %v", err)
	}
	if cmd.Status != StatusQueued || cmd.TTL != 2 {
		t.Fatalf("expected queued ttl=2, got %s ttl=%d", cmd.Status, cmd.TTL)
	}

	cmd = &Command{Status: StatusSent, TTL: 1}
	if err := cmd.Timeout(time.Now().UTC()); err != nil {
		t.Fatalf("timeout: %v", err)
	}
	if cmd.Status != StatusExpired {
		t.Fatalf("expected expired, got %s", cmd.Status)
	}
}

func TestCancelOnlyQueued(t *testing.T) {
	cmd := &Command{Status: StatusQueued, TTL: 2}
	if err := cmd.Cancel(time.Now().UTC()); err != nil {
		t.Fatalf("cancel: %v", err)
	}
	if cmd.Status != StatusCancelled {
		t.Fatalf("expected cancelled, got %s", cmd.Status)
	}

	sent := &Command{Status: StatusSent, TTL: 2}
	if err := sent.Cancel(time.Now().UTC()); !errors.Is(err, ErrConflict) {
		t.Fatalf("expected ErrConflict, got %v", err)
	}
	if sent.Status != StatusSent {
		t.Fatalf("conflict must not mutate status")
	}
}

func TestTerminalStatesRejectReplies(t *testing.T) {
	for _, status := range []string{StatusAcknowledged, StatusError, StatusExpired, StatusCancelled} {
		cmd := &Command{Status: status, TTL: 2}
		if err := cmd.ApplyReply(ReplyAcknowledged, "", time.Now().UTC()); !errors.Is(err, ErrInvalidTransition) {
			t.Fatalf("%s: expected ErrInvalidTransition, got %v", status, err)
		}
	}
}

func TestEligible(t *testing.T) {
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

	cmd := &Command{Status: StatusQueued, TTL: 2}
	if !cmd.Eligible(now) {
		t.Fatalf("queued command without after gate must be eligible")
	}

	cmd.After = now.Add(time.Hour)
	if cmd.Eligible(now) {
		t.Fatalf("command must not be eligible before its after gate")
	}
	if !cmd.Eligible(now.Add(time.Hour)) {
		t.Fatalf("command must be eligible once the gate passes")
	}

	sent := &Command{Status: StatusSent, TTL: 2}
	if sent.Eligible(now) {
		t.Fatalf("sent command must not be eligible")
	}
}

func TestParseReplyOutcome(t *testing.T) {
	for _, valid := range []string{"Acknowledged", "Error", "NotNow", "CommandFormatError", "Idle"} {
		if _, ok := ParseReplyOutcome(valid); !ok {
			t.Fatalf("expected %q to parse", valid)
		}
	}
	if _, ok := ParseReplyOutcome("acknowledged"); ok {
		t.Fatalf("outcome parsing is case sensitive")
	}
	if _, ok := ParseReplyOutcome(""); ok {
		t.Fatalf("empty outcome must not parse")
	}
}
