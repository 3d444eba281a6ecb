// Package driver runs one test session end to end: it opens a conversation
// with the remote agent, lets the simulated customer pursue the goal turn by
// turn, and grades the finished transcript.
package driver

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/agentgauge/agentgauge/internal/config"
	"github.com/agentgauge/agentgauge/internal/llm"
	"github.com/agentgauge/agentgauge/internal/miaw"
	"github.com/agentgauge/agentgauge/internal/models"
	"github.com/agentgauge/agentgauge/internal/store"
	"github.com/agentgauge/agentgauge/internal/transcript"
)

// Session is one live conversation with the remote agent.
type Session interface {
	ID() string
	Send(ctx context.Context, text string) error
	WaitForReply(ctx context.Context, timeout time.Duration) (string, error)
	Close(ctx context.Context) error
}

// Transport opens conversations. The production implementation is the MIAW
// client; tests script one.
type Transport interface {
	Open(ctx context.Context) (Session, error)
}

// Simulator is the customer side of the conversation.
type Simulator interface {
	InitialMessage(ctx context.Context, goal *models.Goal, persona llm.Persona) (string, error)
	NextMessage(ctx context.Context, goal *models.Goal, persona llm.Persona, turns []models.Turn, agentReply string) (llm.Outcome, error)
	ShouldContinue(ctx context.Context, goal *models.Goal, turns []models.Turn) llm.Judgment
	Analyze(ctx context.Context, goal *models.Goal, turns []models.Turn) (*models.Verdict, error)
}

// SnapshotTaker captures remote-system state before and after a session so
// the analysis can compare side effects. Optional.
type SnapshotTaker interface {
	Snapshot(ctx context.Context) (map[string]any, error)
}

// Options tunes a Driver. Zero values fall back to the project defaults.
type Options struct {
	MaxMessages     int
	ReplyTimeout    time.Duration
	GreetingTimeout time.Duration

	// TranscriptDir, when set, receives one JSON transcript file per
	// finished session.
	TranscriptDir string
}

func (o Options) withDefaults() Options {
	if o.MaxMessages <= 0 {
		o.MaxMessages = config.DefaultMaxMessages
	}
	if o.ReplyTimeout <= 0 {
		o.ReplyTimeout = time.Duration(config.DefaultReplyTimeoutSec) * time.Second
	}
	if o.GreetingTimeout <= 0 {
		o.GreetingTimeout = time.Duration(config.DefaultGreetingTimeoutSec) * time.Second
	}
	return o
}

// Driver executes test sessions. One Driver serves many concurrent sessions.
type Driver struct {
	transport Transport
	sim       Simulator
	snapshots SnapshotTaker
	sessions  store.TestSessionStore
	opts      Options
	logger    *zap.Logger
}

func New(transport Transport, sim Simulator, sessions store.TestSessionStore, opts Options, logger *zap.Logger) *Driver {
	return &Driver{
		transport: transport,
		sim:       sim,
		sessions:  sessions,
		opts:      opts.withDefaults(),
		logger:    logger,
	}
}

// WithSnapshots installs a remote-state snapshot hook.
func (d *Driver) WithSnapshots(st SnapshotTaker) *Driver {
	d.snapshots = st
	return d
}

// Run executes one goal against the remote agent and returns the finished
// session. The session is persisted at every state transition, so a crash
// mid-conversation still leaves an inspectable record. A non-nil error means
// the session failed before a verdict could be produced; the returned
// session is valid either way.
func (d *Driver) Run(ctx context.Context, goal *models.Goal, batchRunID string) (*models.TestSession, error) {
	sess := &models.TestSession{
		ID:         uuid.NewString(),
		GoalID:     goal.ID,
		GoalName:   goal.Name,
		BatchRunID: batchRunID,
		Status:     models.SessionRunning,
		StartedAt:  time.Now(),
	}
	d.persist(sess)

	logger := d.logger.With(
		zap.String("session_id", sess.ID),
		zap.String("goal_id", goal.ID))

	sess.DataBefore = d.takeSnapshot(ctx, logger, "before")

	conv, err := d.transport.Open(ctx)
	if err != nil {
		return d.fail(sess, "Failed to open conversation", err)
	}
	sess.RemoteSessionID = conv.ID()
	defer d.closeConversation(conv, logger)

	persona := llm.NewPersona(goal.SourceConversation)

	// Many deployments push a greeting as soon as the conversation opens.
	// Capture it when it comes, move on when it doesn't.
	if greeting, err := conv.WaitForReply(ctx, d.opts.GreetingTimeout); err == nil {
		d.appendTurn(sess, models.SenderAgent, greeting)
	} else if !errors.Is(err, miaw.ErrReplyTimeout) {
		return d.fail(sess, "Event stream failed before first message", err)
	}

	opening, err := d.sim.InitialMessage(ctx, goal, persona)
	if err != nil {
		return d.fail(sess, "Failed to generate initial message", err)
	}
	if err := conv.Send(ctx, opening); err != nil {
		return d.fail(sess, "Failed to send initial message", err)
	}
	d.appendTurn(sess, models.SenderCustomer, opening)

	endReason, err := d.exchange(ctx, conv, goal, persona, sess)
	if err != nil {
		return d.fail(sess, endReason, err)
	}
	sess.EndReason = endReason

	// Tear the conversation down before grading so the remote side sees a
	// finished session and the after-snapshot reflects final state.
	d.closeConversation(conv, logger)
	sess.DataAfter = d.takeSnapshot(ctx, logger, "after")

	verdict, err := d.sim.Analyze(ctx, goal, sess.Transcript)
	if err != nil {
		return d.fail(sess, "Failed to analyze conversation", err)
	}
	sess.Verdict = verdict

	now := time.Now()
	sess.Status = models.SessionCompleted
	sess.CompletedAt = &now
	d.persist(sess)
	d.writeTranscript(sess, logger)

	logger.Info("session completed",
		zap.Bool("goal_achieved", verdict.GoalAchieved),
		zap.Float64("score", verdict.Score),
		zap.Int("turns", len(sess.Transcript)))
	return sess, nil
}

// exchange runs the turn loop until the customer declares an outcome, the
// judge calls a halt, or a limit is hit. It returns the end reason; a non-nil
// error aborts the session without a verdict.
func (d *Driver) exchange(ctx context.Context, conv Session, goal *models.Goal, persona llm.Persona, sess *models.TestSession) (string, error) {
	for {
		if len(sess.Transcript) >= d.opts.MaxMessages {
			return fmt.Sprintf("Maximum message limit reached (%d messages)", d.opts.MaxMessages), nil
		}

		reply, err := conv.WaitForReply(ctx, d.opts.ReplyTimeout)
		if err != nil {
			if errors.Is(err, miaw.ErrReplyTimeout) {
				return "No agent response within reply timeout", err
			}
			return "Conversation ended unexpectedly", err
		}
		d.appendTurn(sess, models.SenderAgent, reply)

		if len(sess.Transcript) >= d.opts.MaxMessages {
			return fmt.Sprintf("Maximum message limit reached (%d messages)", d.opts.MaxMessages), nil
		}

		outcome, err := d.sim.NextMessage(ctx, goal, persona, sess.Transcript, reply)
		if err != nil {
			return "Failed to generate customer response", err
		}
		switch outcome.Kind {
		case llm.OutcomeGoalAchieved:
			return "Goal achieved: " + outcome.Reason, nil
		case llm.OutcomeGoalFailed:
			return "Goal failed: " + outcome.Reason, nil
		}

		if err := conv.Send(ctx, outcome.Text); err != nil {
			return "Failed to send customer message", err
		}
		d.appendTurn(sess, models.SenderCustomer, outcome.Text)

		if judgment := d.sim.ShouldContinue(ctx, goal, sess.Transcript); !judgment.Continue {
			return "Conversation ended: " + judgment.Reason, nil
		}
	}
}

func (d *Driver) appendTurn(sess *models.TestSession, sender models.Sender, text string) {
	sess.Transcript = append(sess.Transcript, models.Turn{
		Sender:    sender,
		Text:      text,
		Timestamp: time.Now(),
	})
	d.persist(sess)
}

func (d *Driver) fail(sess *models.TestSession, reason string, cause error) (*models.TestSession, error) {
	now := time.Now()
	sess.Status = models.SessionFailed
	if sess.EndReason == "" {
		sess.EndReason = reason
	}
	sess.CompletedAt = &now
	d.persist(sess)
	d.writeTranscript(sess, d.logger.With(zap.String("session_id", sess.ID)))

	d.logger.Warn("session failed",
		zap.String("session_id", sess.ID),
		zap.String("goal_id", sess.GoalID),
		zap.String("reason", reason),
		zap.Error(cause))
	return sess, fmt.Errorf("%s: %w", reason, cause)
}

func (d *Driver) persist(sess *models.TestSession) {
	if d.sessions == nil {
		return
	}
	if err := d.sessions.PutSession(sess); err != nil {
		d.logger.Warn("session persist failed",
			zap.String("session_id", sess.ID),
			zap.Error(err))
	}
}

func (d *Driver) takeSnapshot(ctx context.Context, logger *zap.Logger, stage string) map[string]any {
	if d.snapshots == nil {
		return nil
	}
	snap, err := d.snapshots.Snapshot(ctx)
	if err != nil {
		logger.Warn("data snapshot failed", zap.String("stage", stage), zap.Error(err))
		return nil
	}
	return snap
}

func (d *Driver) closeConversation(conv Session, logger *zap.Logger) {
	closeCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := conv.Close(closeCtx); err != nil {
		logger.Warn("conversation close failed", zap.Error(err))
	}
}

func (d *Driver) writeTranscript(sess *models.TestSession, logger *zap.Logger) {
	if d.opts.TranscriptDir == "" {
		return
	}
	if _, err := transcript.Write(d.opts.TranscriptDir, transcript.Build(sess)); err != nil {
		logger.Warn("transcript write failed", zap.Error(err))
	}
}
