// Package scheduler owns deferred moderation work: a persisted job list, a
// polling execution loop, and one executor per job action kind.
package scheduler

import (
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
)

var (
	// ErrNotFound is returned for lookups and mutations on an absent job id.
	ErrNotFound = errors.New("scheduled job not found")
	// ErrUnknownAction marks a job action kind the dispatcher does not know.
	// Reaching it at runtime is a programming error, not user input.
	ErrUnknownAction = errors.New("unknown job action type")
)

type RepeatType string

const (
	RepeatNone     RepeatType = "none"
	RepeatRelative RepeatType = "relative"
	RepeatDaily    RepeatType = "daily"
	RepeatWeekly   RepeatType = "weekly"
	RepeatYearly   RepeatType = "yearly"
)

type ActionType string

const (
	ActionRoleRemoval    ActionType = "role_removal"
	ActionRoleAddition   ActionType = "role_addition"
	ActionUnban          ActionType = "unban"
	ActionEcho           ActionType = "echo"
	ActionBannerRotation ActionType = "banner_rotation"
	ActionBoredCommands  ActionType = "bored_commands"
	ActionEndRaid        ActionType = "end_raid"
)

// Action is the closed set of job payloads. Each variant carries exactly
// what its executor needs plus its two text renderings (rich HTML for the
// mod log chat, plain for the audit trail).
type Action interface {
	Type() ActionType
	Describe() string
	DescribeRich() string
}

type RoleRemoval struct {
	RoleID int64  `json:"role_id"`
	UserID int64  `json:"user_id"`
	Reason string `json:"reason,omitempty"`
}

func (RoleRemoval) Type() ActionType { return ActionRoleRemoval }
func (a RoleRemoval) Describe() string {
	return fmt.Sprintf("Remove role %d from user %d", a.RoleID, a.UserID)
}
func (a RoleRemoval) DescribeRich() string {
	return fmt.Sprintf("Remove role <code>%d</code> from <a href=\"tg://user?id=%d\">%d</a>", a.RoleID, a.UserID, a.UserID)
}

type RoleAddition struct {
	RoleID int64  `json:"role_id"`
	UserID int64  `json:"user_id"`
	Reason string `json:"reason,omitempty"`
}

func (RoleAddition) Type() ActionType { return ActionRoleAddition }
func (a RoleAddition) Describe() string {
	return fmt.Sprintf("Add role %d to user %d", a.RoleID, a.UserID)
}
func (a RoleAddition) DescribeRich() string {
	return fmt.Sprintf("Add role <code>%d</code> to <a href=\"tg://user?id=%d\">%d</a>", a.RoleID, a.UserID, a.UserID)
}

type Unban struct {
	UserID int64  `json:"user_id"`
	Reason string `json:"reason,omitempty"`
}

func (Unban) Type() ActionType { return ActionUnban }
func (a Unban) Describe() string {
	return fmt.Sprintf("Unban user %d", a.UserID)
}
func (a Unban) DescribeRich() string {
	return fmt.Sprintf("Unban <a href=\"tg://user?id=%d\">%d</a>", a.UserID, a.UserID)
}

// Echo delivers stored content to a chat id, or to a user directly when no
// chat by that id is reachable.
type Echo struct {
	Target  int64  `json:"target"`
	Content string `json:"content"`
}

func (Echo) Type() ActionType { return ActionEcho }
func (a Echo) Describe() string {
	return fmt.Sprintf("Send %q to chat/user %d", a.Content, a.Target)
}
func (a Echo) DescribeRich() string {
	return fmt.Sprintf("Send %q to <code>%d</code>", a.Content, a.Target)
}

type BannerRotation struct {
	// LastBannerIndex is only used in rotate mode; the executor advances it.
	LastBannerIndex *int `json:"last_banner_index,omitempty"`
}

func (BannerRotation) Type() ActionType     { return ActionBannerRotation }
func (BannerRotation) Describe() string     { return "Run banner rotation" }
func (BannerRotation) DescribeRich() string { return "Run banner rotation" }

type BoredCommands struct{}

func (BoredCommands) Type() ActionType     { return ActionBoredCommands }
func (BoredCommands) Describe() string     { return "Run bored commands" }
func (BoredCommands) DescribeRich() string { return "Run bored commands" }

type EndRaid struct {
	IsLarge bool `json:"is_large"`
}

func (EndRaid) Type() ActionType { return ActionEndRaid }
func (a EndRaid) Describe() string {
	if a.IsLarge {
		return "End large raid"
	}
	return "End small raid"
}
func (a EndRaid) DescribeRich() string { return a.Describe() }

// Job is one persisted unit of deferred work.
type Job struct {
	ID             string
	CreatedAt      time.Time
	ExecuteAt      time.Time
	LastExecutedAt *time.Time
	Repeat         RepeatType
	Action         Action
}

// NewJob stamps a fresh id onto a job. ExecuteAt must not precede CreatedAt.
func NewJob(createdAt, executeAt time.Time, repeat RepeatType, action Action) (Job, error) {
	if action == nil {
		return Job{}, errors.New("job action is required")
	}
	if executeAt.Before(createdAt) {
		return Job{}, errors.New("job execute time precedes creation time")
	}
	return Job{
		ID:        uuid.NewString(),
		CreatedAt: createdAt,
		ExecuteAt: executeAt,
		Repeat:    repeat,
		Action:    action,
	}, nil
}

// Describe renders the job as a plain audit line.
func (j Job) Describe() string {
	s := fmt.Sprintf("%s: %s at %s", j.ID, j.Action.Describe(), j.ExecuteAt.UTC().Format(time.RFC1123))
	if j.Repeat != RepeatNone && j.Repeat != "" {
		s += fmt.Sprintf(", repeating %s", j.Repeat)
		if j.LastExecutedAt != nil {
			s += fmt.Sprintf(", last executed at %s", j.LastExecutedAt.UTC().Format(time.RFC1123))
		}
	}
	return s + "."
}

// DescribeRich renders the job for the mod log chat (HTML parse mode).
func (j Job) DescribeRich() string {
	s := fmt.Sprintf("<code>%s</code>: %s at %s", j.ID, j.Action.DescribeRich(), j.ExecuteAt.UTC().Format(time.RFC1123))
	if j.Repeat != RepeatNone && j.Repeat != "" {
		s += fmt.Sprintf(", repeating %s", j.Repeat)
		if j.LastExecutedAt != nil {
			s += fmt.Sprintf(", last executed at %s", j.LastExecutedAt.UTC().Format(time.RFC1123))
		}
	}
	return s + "."
}

// jobEnvelope is the wire form of a Job. The action is a tagged union:
// {"type": "...", ...variant fields}.
type jobEnvelope struct {
	ID             string          `json:"id"`
	CreatedAt      time.Time       `json:"created_at"`
	ExecuteAt      time.Time       `json:"execute_at"`
	LastExecutedAt *time.Time      `json:"last_executed_at,omitempty"`
	Repeat         RepeatType      `json:"repeat"`
	Action         json.RawMessage `json:"action"`
}

type actionTag struct {
	Type ActionType `json:"type"`
}

func encodeAction(a Action) (json.RawMessage, error) {
	body, err := json.Marshal(a)
	if err != nil {
		return nil, err
	}
	tag, err := json.Marshal(actionTag{Type: a.Type()})
	if err != nil {
		return nil, err
	}
	if string(body) == "{}" {
		return tag, nil
	}
	// Splice the tag in front of the variant's own fields.
	merged := append(tag[:len(tag)-1], ',')
	merged = append(merged, body[1:]...)
	return merged, nil
}

func decodeAction(raw json.RawMessage) (Action, error) {
	var tag actionTag
	if err := json.Unmarshal(raw, &tag); err != nil {
		return nil, err
	}
	var (
		a   Action
		err error
	)
	switch tag.Type {
	case ActionRoleRemoval:
		var v RoleRemoval
		err = json.Unmarshal(raw, &v)
		a = v
	case ActionRoleAddition:
		var v RoleAddition
		err = json.Unmarshal(raw, &v)
		a = v
	case ActionUnban:
		var v Unban
		err = json.Unmarshal(raw, &v)
		a = v
	case ActionEcho:
		var v Echo
		err = json.Unmarshal(raw, &v)
		a = v
	case ActionBannerRotation:
		var v BannerRotation
		err = json.Unmarshal(raw, &v)
		a = v
	case ActionBoredCommands:
		a = BoredCommands{}
	case ActionEndRaid:
		var v EndRaid
		err = json.Unmarshal(raw, &v)
		a = v
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnknownAction, tag.Type)
	}
	if err != nil {
		return nil, err
	}
	return a, nil
}

func (j Job) MarshalJSON() ([]byte, error) {
	raw, err := encodeAction(j.Action)
	if err != nil {
		return nil, err
	}
	return json.Marshal(jobEnvelope{
		ID:             j.ID,
		CreatedAt:      j.CreatedAt,
		ExecuteAt:      j.ExecuteAt,
		LastExecutedAt: j.LastExecutedAt,
		Repeat:         j.Repeat,
		Action:         raw,
	})
}

func (j *Job) UnmarshalJSON(data []byte) error {
	var env jobEnvelope
	if err := json.Unmarshal(data, &env); err != nil {
		return err
	}
	action, err := decodeAction(env.Action)
	if err != nil {
		return err
	}
	j.ID = env.ID
	j.CreatedAt = env.CreatedAt
	j.ExecuteAt = env.ExecuteAt
	j.LastExecutedAt = env.LastExecutedAt
	j.Repeat = env.Repeat
	j.Action = action
	return nil
}
