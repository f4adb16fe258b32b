package core

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"warden/internal/config"
	"warden/internal/scheduler"
	kit "warden/internal/transport"
	logx "warden/pkg/logx"
)

// maxJobLines caps !jobs output so a crowded schedule cannot produce a
// message the platform rejects.
const maxJobLines = 25

// Commands is the owner-only chat surface for inspecting and deleting
// scheduled jobs. Anything that is not a recognized command from a
// configured owner is ignored.
type Commands struct {
	log  logx.Logger
	cfgm *config.Manager
	jobs *scheduler.Store
	gw   kit.Gateway
}

func NewCommands(cfgm *config.Manager, jobs *scheduler.Store, gw kit.Gateway, log logx.Logger) *Commands {
	if log.IsZero() {
		log = logx.Nop()
	}
	return &Commands{
		log:  log.With(logx.String("svc", "commands")),
		cfgm: cfgm,
		jobs: jobs,
		gw:   gw,
	}
}

// HandleMessage reports true when the message was consumed as a command.
func (c *Commands) HandleMessage(ctx context.Context, msg kit.Message) bool {
	text := strings.TrimSpace(msg.Text)
	if !strings.HasPrefix(text, "!") {
		return false
	}
	fields := strings.Fields(text)
	var cmd, arg string
	cmd = fields[0]
	if len(fields) > 1 {
		arg = fields[1]
	}
	switch cmd {
	case "!jobs", "!job", "!job-del":
	default:
		return false
	}
	if !c.isOwner(msg.FromID) {
		c.log.Warn("job command from non-owner ignored",
			logx.Int64("user", msg.FromID), logx.String("command", cmd))
		return false
	}

	var reply string
	switch cmd {
	case "!jobs":
		reply = c.listJobs(arg)
	case "!job":
		reply = c.showJob(arg)
	case "!job-del":
		reply = c.deleteJob(ctx, arg)
	}
	to := kit.ChatTarget{ChatID: msg.ChatID, ThreadID: msg.ThreadID}
	if _, err := c.gw.SendText(ctx, to, reply, &kit.SendOptions{ParseMode: "HTML", DisablePreview: true}); err != nil {
		c.log.Error("sending command reply failed", logx.Err(err), logx.String("command", cmd))
	}
	return true
}

func (c *Commands) isOwner(userID int64) bool {
	for _, id := range c.cfgm.Get().Telegram.OwnerUserIDs {
		if id == userID {
			return true
		}
	}
	return false
}

func (c *Commands) listJobs(typeFilter string) string {
	jobs := c.jobs.ListWhere(func(j scheduler.Job) bool {
		return typeFilter == "" || string(j.Action.Type()) == typeFilter
	})
	if len(jobs) == 0 {
		if typeFilter != "" {
			return fmt.Sprintf("No scheduled jobs of type <code>%s</code>.", typeFilter)
		}
		return "No scheduled jobs."
	}
	var b strings.Builder
	fmt.Fprintf(&b, "%d scheduled job(s):\n", len(jobs))
	for i, j := range jobs {
		if i == maxJobLines {
			fmt.Fprintf(&b, "... and %d more.", len(jobs)-maxJobLines)
			break
		}
		b.WriteString(j.DescribeRich())
		b.WriteByte('\n')
	}
	return strings.TrimRight(b.String(), "\n")
}

func (c *Commands) showJob(id string) string {
	if id == "" {
		return "Usage: <code>!job &lt;id&gt;</code>"
	}
	job, err := c.jobs.Get(id)
	if errors.Is(err, scheduler.ErrNotFound) {
		return fmt.Sprintf("There is no scheduled job with id <code>%s</code>.", id)
	}
	return job.DescribeRich()
}

func (c *Commands) deleteJob(ctx context.Context, id string) string {
	if id == "" {
		return "Usage: <code>!job-del &lt;id&gt;</code>"
	}
	job, err := c.jobs.Get(id)
	if errors.Is(err, scheduler.ErrNotFound) {
		return fmt.Sprintf("There is no scheduled job with id <code>%s</code>.", id)
	}
	if err := c.jobs.Delete(ctx, id); err != nil {
		c.log.Error("deleting job failed", logx.Err(err), logx.String("job", id))
		return fmt.Sprintf("Failed to delete job <code>%s</code>.", id)
	}
	c.log.Info("job deleted by owner command", logx.String("job", id))
	return fmt.Sprintf("Deleted scheduled job: %s", job.DescribeRich())
}
