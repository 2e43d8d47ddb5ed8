package notify_libnotify

import (
	"context"
	"fmt"
	"os/exec"
	"strconv"
	"strings"
	"time"

	"github.com/davarch/deploy-gate/internal/domain"
)

type Notifier struct {
	soft   bool
	binary string
}

func New() *Notifier     { return &Notifier{soft: false, binary: "notify-send"} }
func NewSoft() *Notifier { return &Notifier{soft: true, binary: "notify-send"} }

type Options struct {
	Urgency string
	Expire  time.Duration
}

func (n *Notifier) Notify(ctx context.Context, ev domain.Event) error {
	title, body := Format(ev)
	opt := Options{Urgency: "normal"}
	if ev.Kind != domain.EventSucceeded {
		opt.Urgency = "critical"
	}
	return n.NotifyWith(ctx, title, body, opt)
}

func (n *Notifier) NotifyWith(ctx context.Context, title, body string, opt Options) error {
	args := []string{"--app-name=deploy-gate"}
	if opt.Urgency != "" {
		args = append(args, "--urgency="+opt.Urgency)
	}
	if opt.Expire > 0 {
		ms := strconv.Itoa(int(opt.Expire / time.Millisecond))
		args = append(args, "--expire-time="+ms)
	}
	args = append(args, title, body)

	cmd := exec.CommandContext(ctx, n.binary, args...)
	if err := cmd.Run(); err != nil {
		if n.soft {
			return nil
		}
		return err
	}

	return nil
}

// Format renders the desktop title and body for a terminal run event.
func Format(ev domain.Event) (string, string) {
	var title string
	switch ev.Kind {
	case domain.EventSucceeded:
		title = "Deployed " + ev.Artifact.Image()
	case domain.EventRolledBack:
		title = "Rolled back " + ev.Artifact.Image()
	case domain.EventRollbackFailed:
		title = "Rollback failed for " + ev.Artifact.Image()
	default:
		title = "Deployment failed for " + ev.Artifact.Image()
	}

	var b strings.Builder
	fmt.Fprintf(&b, "run %s: %s", ev.RunID, ev.Stage)
	if ev.Reason != "" {
		b.WriteString("\n" + ev.Reason)
	}
	for _, v := range ev.Violations {
		b.WriteString("\n- " + v.RuleID)
		if v.Container != "" {
			b.WriteString(" [" + v.Container + "]")
		}
		if v.Message != "" {
			b.WriteString(": " + v.Message)
		}
	}
	return title, b.String()
}
