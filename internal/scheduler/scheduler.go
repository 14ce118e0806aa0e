// Package scheduler implements the refractory event loop: the process
// that turns broker traffic into think cycles, enforces the cooldown
// between reactive turns, escalates privileged intents, detects ghosts
// and keeps the memory tiers pruned.
package scheduler

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"math/rand"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"guppi/internal/broker"
	"guppi/internal/compute"
	"guppi/internal/config"
	"guppi/internal/executor"
	"guppi/internal/memory"
	"guppi/internal/thinker"
	"guppi/internal/types"
)

// Decider is the decision backend the loop consults.
type Decider interface {
	Decide(ctx context.Context, tier thinker.Tier, prompt string) (thinker.Decision, error)
}

// ActionRunner executes one decided action.
type ActionRunner interface {
	Execute(ctx context.Context, action types.Action) *types.Result
}

// Summaries is the slice of the compute gateway pruning needs.
type Summaries interface {
	Summarize(ctx context.Context, text string) (string, string, error)
	Embed(ctx context.Context, text string) ([]float32, string, error)
}

// Options wires a Scheduler.
type Options struct {
	Config     config.Config
	Identity   types.Identity
	Broker     broker.Broker
	Store      *memory.Store
	Decider    Decider
	Runner     ActionRunner
	Gateway    Summaries
	Subs       *Subs
	BootGhosts []string
	Logger     *zap.Logger

	// Clock and Rand are injectable for tests; nil takes the real ones.
	Clock func() time.Time
	Rand  func() float64
}

// class separates always-hot inputs from refractory ones.
type class int

const (
	classA class = iota // synchronous summons, own outcomes, ghosts
	classB              // inbox, ambient chat, digests, alarms
)

// Scheduler runs the per-agent event loop.
type Scheduler struct {
	cfg      config.Config
	identity types.Identity
	broker   broker.Broker
	store    *memory.Store
	decider  Decider
	runner   ActionRunner
	gateway  Summaries
	subs     *Subs
	log      *zap.Logger

	clock func() time.Time
	rand  func() float64

	gov *governor
	dd  *dedup

	inboxCh    chan types.Event // Class B traffic
	urgentCh   chan types.Event // Class A traffic
	killCh     chan struct{}
	bootGhosts []string

	// cooldownUntil gates Class B wakes. Only the loop goroutine touches
	// it after Run starts.
	cooldownUntil time.Time

	mu          sync.Mutex
	hibernating bool
	pruning     bool

	// bg tracks delegated work (prune summarization) that must finish
	// before Run returns.
	bg sync.WaitGroup
}

// New builds a Scheduler.
func New(opts Options) *Scheduler {
	if opts.Logger == nil {
		opts.Logger = zap.NewNop()
	}
	if opts.Clock == nil {
		opts.Clock = time.Now
	}
	if opts.Rand == nil {
		opts.Rand = rand.Float64
	}
	sc := opts.Config.Scheduler
	return &Scheduler{
		cfg:        opts.Config,
		identity:   opts.Identity,
		broker:     opts.Broker,
		store:      opts.Store,
		decider:    opts.Decider,
		runner:     opts.Runner,
		gateway:    opts.Gateway,
		subs:       opts.Subs,
		log:        opts.Logger,
		clock:      opts.Clock,
		rand:       opts.Rand,
		gov:        newGovernor(sc.GovernorLimit, sc.GovernorWindow),
		dd:         newDedup(sc.DedupTTL),
		inboxCh:    make(chan types.Event, 64),
		urgentCh:   make(chan types.Event, 64),
		killCh:     make(chan struct{}, 1),
		bootGhosts: opts.BootGhosts,
	}
}

// Run drives the loop until ctx is canceled or the kill switch fires.
func (s *Scheduler) Run(ctx context.Context) error {
	ctx, cancel := context.WithCancel(ctx)

	var wg sync.WaitGroup
	wg.Add(3)
	go func() { defer wg.Done(); s.pumpQueue(ctx, broker.Inbox(s.identity.Name)) }()
	go func() { defer wg.Done(); s.pumpQueue(ctx, broker.Internal(s.identity.Name)) }()
	go func() { defer wg.Done(); s.pumpStreams(ctx) }()
	// Cancel before waiting so the pumps actually unblock.
	defer func() {
		cancel()
		wg.Wait()
		s.bg.Wait()
	}()

	s.log.Info("scheduler online", zap.String("agent", s.identity.Name))
	s.setStatus(ctx, "idle")

	// Turns abandoned by the previous process get their wake first.
	for _, id := range s.bootGhosts {
		s.cycle(ctx, s.ghostEvent(id), nil, classA)
	}
	s.bootGhosts = nil

	heartbeat := time.NewTicker(s.cfg.Scheduler.HeartbeatEvery)
	defer heartbeat.Stop()

	for {
		now := s.clock()
		inCooldown := now.Before(s.cooldownUntil)

		inbox := s.inboxCh
		var cooldownC <-chan time.Time
		if inCooldown {
			inbox = nil
			cooldownC = time.After(s.cooldownUntil.Sub(now))
		}

		alarmC, alarmDue := s.alarmTimer(ctx, now, inCooldown)

		select {
		case <-ctx.Done():
			s.setStatus(context.WithoutCancel(ctx), "offline")
			return nil
		case <-s.killCh:
			s.log.Warn("kill switch engaged, shutting down")
			s.setStatus(context.WithoutCancel(ctx), "offline")
			return nil
		case ev := <-s.urgentCh:
			s.cycle(ctx, ev, nil, classA)
		case ev := <-inbox:
			extra := s.drainBurst()
			s.cycle(ctx, ev, extra, classB)
		case <-alarmC:
			s.fireAlarms(ctx, alarmDue)
		case <-heartbeat.C:
			s.heartbeat(ctx)
		case <-cooldownC:
			// Cooldown elapsed; loop to re-enable Class B channels.
		}
	}
}

// pumpQueue feeds one blocking queue into the event channels.
func (s *Scheduler) pumpQueue(ctx context.Context, queue string) {
	for {
		payload, err := s.broker.QueuePop(ctx, queue, 2*time.Second)
		if errors.Is(err, context.Canceled) || errors.Is(err, broker.ErrClosed) {
			return
		}
		if err != nil {
			s.log.Error("queue pump", zap.String("queue", queue), zap.Error(err))
			return
		}
		if payload == nil {
			continue
		}

		s.dumpToWAL(payload)
		if !s.dd.fresh(payload, s.clock()) {
			s.log.Debug("duplicate trigger dropped", zap.String("queue", queue))
			continue
		}

		ev, ok := s.parseInbound(payload)
		if !ok {
			continue
		}
		s.archiveMail(ev)
		s.route(ctx, ev)
	}
}

// route delivers an event to its class channel.
func (s *Scheduler) route(ctx context.Context, ev types.Event) {
	ch := s.inboxCh
	switch ev.Type {
	case types.EventTaskCompleted, types.EventGhosted, types.EventSynchronousSummon:
		ch = s.urgentCh
	}
	select {
	case ch <- ev:
	case <-ctx.Done():
	}
}

// parseInbound accepts the three shapes that arrive on queues: a GUPPI
// event, a compute reply, or bare text from a human.
func (s *Scheduler) parseInbound(payload []byte) (types.Event, bool) {
	var probe map[string]json.RawMessage
	if err := json.Unmarshal(payload, &probe); err != nil {
		// Bare text becomes a message event.
		return types.Event{
			ID:        "ev-" + uuid.NewString(),
			Agent:     s.identity.Name,
			Timestamp: s.clock().UTC(),
			Type:      types.EventNewMessage,
			Source:    "inbox:raw",
			Content:   mustJSON(string(payload)),
		}, true
	}

	if _, isReply := probe["task_id"]; isReply {
		var reply compute.Reply
		if err := json.Unmarshal(payload, &reply); err == nil && reply.Event == compute.ReplyEvent {
			content, _ := json.Marshal(reply.Content)
			return types.Event{
				ID:        "ev-" + uuid.NewString(),
				Agent:     s.identity.Name,
				Timestamp: s.clock().UTC(),
				Type:      types.EventTaskCompleted,
				Source:    "worker:" + reply.Meta.Worker,
				Content:   content,
				ActionID:  reply.TaskID,
			}, true
		}
	}

	var ev types.Event
	if err := json.Unmarshal(payload, &ev); err == nil && ev.Type != "" {
		if ev.ID == "" {
			ev.ID = "ev-" + uuid.NewString()
		}
		return ev, true
	}

	// A JSON object with no event_type is still a message. Humans and
	// simple producers push bare objects like {"content": "..."}.
	return types.Event{
		ID:        "ev-" + uuid.NewString(),
		Agent:     s.identity.Name,
		Timestamp: s.clock().UTC(),
		Type:      types.EventNewMessage,
		Source:    "inbox:structured",
		Content:   json.RawMessage(payload),
	}, true
}

// pumpStreams follows the subscribed streams plus the kill switch.
// Cursors are pinned to concrete ids up front; a lingering "$" cursor
// would silently skip entries landing between reads.
func (s *Scheduler) pumpStreams(ctx context.Context) {
	cursors := map[string]string{broker.KillSwitch: s.lastStreamID(ctx, broker.KillSwitch)}
	for _, ch := range s.subs.List() {
		cursors[ch] = s.lastStreamID(ctx, ch)
	}

	for {
		// Pick up runtime subscription changes.
		current := map[string]bool{broker.KillSwitch: true}
		for _, ch := range s.subs.List() {
			current[ch] = true
			if _, ok := cursors[ch]; !ok {
				cursors[ch] = s.lastStreamID(ctx, ch)
			}
		}
		for ch := range cursors {
			if !current[ch] {
				delete(cursors, ch)
			}
		}

		msgs, err := s.broker.StreamRead(ctx, cursors, 2*time.Second, 32)
		if errors.Is(err, context.Canceled) || errors.Is(err, broker.ErrClosed) {
			return
		}
		if err != nil {
			s.log.Error("stream pump", zap.Error(err))
			return
		}
		for _, m := range msgs {
			cursors[m.Stream] = m.ID
			s.routeStream(ctx, m)
		}
	}
}

func (s *Scheduler) lastStreamID(ctx context.Context, stream string) string {
	msgs, err := s.broker.StreamTail(ctx, stream, 1)
	if err != nil || len(msgs) == 0 {
		return "0-0"
	}
	return msgs[0].ID
}

func (s *Scheduler) routeStream(ctx context.Context, m broker.StreamMessage) {
	switch m.Stream {
	case broker.KillSwitch:
		target := m.Values["target"]
		if target == "all" || target == s.identity.Name {
			select {
			case s.killCh <- struct{}{}:
			default:
			}
		}
	case broker.ChatSynchronous:
		s.route(ctx, types.Event{
			ID:        "ev-" + uuid.NewString(),
			Agent:     s.identity.Name,
			Timestamp: s.clock().UTC(),
			Type:      types.EventSynchronousSummon,
			Source:    m.Stream,
			Content:   mustJSON(fmt.Sprintf("%s: %s", m.Values["agent"], m.Values["text"])),
		})
	case broker.DigestStream:
		s.route(ctx, types.Event{
			ID:        "ev-" + uuid.NewString(),
			Agent:     s.identity.Name,
			Timestamp: s.clock().UTC(),
			Type:      types.EventSocialDigest,
			Source:    m.Stream,
			Content:   mustJSON(m.Values["summary"]),
		})
	default:
		// Own posts echo back on subscribed chat; reacting to them is
		// how feedback loops start.
		if strings.HasPrefix(m.Values["agent"], s.identity.Name) {
			return
		}
		s.route(ctx, types.Event{
			ID:        "ev-" + uuid.NewString(),
			Agent:     s.identity.Name,
			Timestamp: s.clock().UTC(),
			Type:      types.EventNewMessage,
			Source:    m.Stream,
			Content:   mustJSON(fmt.Sprintf("%s: %s", m.Values["agent"], m.Values["text"])),
		})
	}
}

// drainBurst empties the buffered Class B channel up to the burst cap so
// a queue flood becomes one think cycle instead of twenty.
func (s *Scheduler) drainBurst() []types.Event {
	var extra []types.Event
	for len(extra) < s.cfg.Scheduler.BurstDrainMax-1 {
		select {
		case ev := <-s.inboxCh:
			extra = append(extra, ev)
		default:
			return extra
		}
	}
	return extra
}

// cycle runs one full turn: synthesize context, decide, record intent,
// execute, record outcome. The deadman guard converts a panic anywhere
// inside into a failed turn plus a Ghosted wake instead of a dead agent.
func (s *Scheduler) cycle(ctx context.Context, ev types.Event, extra []types.Event, cl class) {
	now := s.clock()
	// Alarms honor the cooldown but not the governor: a scheduled
	// intention firing is never a feedback loop.
	if cl == classB && ev.Type != types.EventScheduledAlarm && !s.gov.allow(now) {
		s.log.Warn("governor breach, forcing cooldown")
		s.audit(ctx, map[string]any{"alert": "governor_breach", "agent": s.identity.Name})
		s.cooldownUntil = now.Add(time.Minute)
		return
	}

	s.setStatus(ctx, "thinking")
	s.setHibernating(false)
	defer func() {
		// A hibernate decision already wrote its own status key.
		if !s.isHibernating() {
			s.setStatus(ctx, "idle")
		}
	}()

	var turnID string
	defer func() {
		if r := recover(); r == nil {
			return
		} else {
			s.log.Error("deadman tripped", zap.Any("panic", r), zap.String("turn_id", turnID))
			if turnID != "" {
				_ = s.store.Turns.Patch(turnID, types.TurnFailed,
					&types.Result{Status: "error", Error: fmt.Sprintf("panic: %v", r)})
				s.route(ctx, s.ghostEvent(turnID))
			}
		}
	}()

	prompt := s.synthesize(ctx, ev, extra, now)
	tier := thinker.TierFor(ev)

	decision, err := s.decider.Decide(ctx, tier, prompt)
	if err != nil {
		s.log.Error("decision backend failed", zap.Error(err))
		return
	}

	turn := types.Turn{
		ID:              "turn-" + uuid.NewString(),
		Type:            types.TurnRecordType,
		Agent:           s.identity.Name,
		ParentEventID:   ev.ID,
		TimestampIntent: s.clock().UTC(),
		Status:          types.TurnPending,
		Reasoning:       decision.Intent.Reasoning,
		Action:          decision.Intent.Action,
	}
	if err := s.store.Turns.Append(turn); err != nil {
		s.log.Error("record intent", zap.Error(err))
		return
	}
	turnID = turn.ID

	res := s.runner.Execute(ctx, decision.Intent.Action)

	status := types.TurnCompleted
	if res.Status == "error" {
		status = types.TurnFailed
	}
	if err := s.store.Turns.Patch(turn.ID, status, res); err != nil {
		s.log.Error("record outcome", zap.Error(err))
	}

	s.audit(ctx, map[string]any{
		"agent":     s.identity.Name,
		"turn_id":   turn.ID,
		"event":     string(ev.Type),
		"tool":      decision.Intent.Action.Tool,
		"status":    string(status),
		"tier":      string(decision.Tier),
		"escalated": fmt.Sprint(decision.Escalated),
	})

	tool := decision.Intent.Action.Tool
	if tool == "hibernate" {
		s.setHibernating(true)
		s.setStatus(ctx, "hibernating")
	} else if !executor.Quiet(tool) {
		s.enqueueTaskCompleted(ctx, turn.ID)
	}

	if cl == classB {
		span := s.cfg.Scheduler.CooldownMax - s.cfg.Scheduler.CooldownMin
		s.cooldownUntil = s.clock().Add(s.cfg.Scheduler.CooldownMin + time.Duration(s.rand()*float64(span)))
	}
}

// synthesize gathers the context tiers into a prompt.
func (s *Scheduler) synthesize(ctx context.Context, ev types.Event, extra []types.Event, now time.Time) string {
	in := PromptInput{
		Identity:  s.identity,
		Event:     ev,
		Extra:     extra,
		Clipboard: s.store.Clipboard.Entries(),
		Now:       now,
	}

	last := s.store.Turns.LastOutcome()
	if !last.IsZero() && now.Sub(last) > s.cfg.Memory.OrientationAfter {
		in.Orientation = true
		in.AsleepFor = now.Sub(last)
		in.Turns = s.store.Turns.Tail(s.cfg.Memory.OrientationTail)
		in.Digests = s.missedDigests(ctx, last)
	} else {
		in.Turns = s.store.Turns.Tail(s.cfg.Memory.ContextTurns)
	}

	if eps, err := s.store.Episodes.Recent(ctx, s.cfg.Memory.RecentEpisodes); err == nil {
		in.Episodes = eps
	} else {
		s.log.Warn("episode recall failed", zap.Error(err))
	}
	return BuildPrompt(in)
}

// missedDigests range-reads every digest posted since the last terminal
// outcome, so a long sleep surfaces all of them, not just a recent tail.
func (s *Scheduler) missedDigests(ctx context.Context, since time.Time) []types.SocialDigest {
	start := fmt.Sprintf("%d-0", since.UnixMilli())
	msgs, err := s.broker.StreamRange(ctx, broker.DigestStream, start, "+", 0)
	if err != nil {
		s.log.Warn("digest recall failed", zap.Error(err))
		return nil
	}
	var out []types.SocialDigest
	for _, m := range msgs {
		var d types.SocialDigest
		if raw, ok := m.Values["digest"]; ok && json.Unmarshal([]byte(raw), &d) == nil {
			out = append(out, d)
			continue
		}
		out = append(out, types.SocialDigest{Summary: m.Values["summary"]})
	}
	return out
}

// alarmTimer sizes the timer for the next due todo. Alarms are Class B,
// so during cooldown the timer is suppressed.
func (s *Scheduler) alarmTimer(ctx context.Context, now time.Time, inCooldown bool) (<-chan time.Time, []memory.Todo) {
	if inCooldown {
		return nil, nil
	}
	due, err := s.store.Todos.Due(ctx, now)
	if err != nil {
		s.log.Warn("todo scan failed", zap.Error(err))
		return nil, nil
	}
	if len(due) > 0 {
		// Already overdue: fire immediately.
		ch := make(chan time.Time, 1)
		ch <- now
		return ch, due
	}
	next, err := s.store.Todos.NextDue(ctx)
	if err != nil || next.IsZero() {
		return nil, nil
	}
	wait := next.Sub(now)
	if max := s.cfg.Scheduler.DefaultAlarmWait; wait > max {
		wait = max
	}
	return time.After(wait), nil
}

func (s *Scheduler) fireAlarms(ctx context.Context, due []memory.Todo) {
	if len(due) == 0 {
		// Timer fired for a todo that became due after the last scan.
		var err error
		due, err = s.store.Todos.Due(ctx, s.clock())
		if err != nil || len(due) == 0 {
			return
		}
	}
	lines := make([]string, len(due))
	for i, td := range due {
		lines[i] = fmt.Sprintf("[%s] %s", td.ID, td.Content)
		if err := s.store.Todos.Complete(ctx, td.ID); err != nil {
			s.log.Warn("retire due todo", zap.String("id", td.ID), zap.Error(err))
		}
	}
	s.cycle(ctx, types.Event{
		ID:        "ev-" + uuid.NewString(),
		Agent:     s.identity.Name,
		Timestamp: s.clock().UTC(),
		Type:      types.EventScheduledAlarm,
		Source:    "todo",
		Content:   mustJSON(strings.Join(lines, "\n")),
	}, nil, classB)
}

// heartbeat reports liveness and runs the prune check.
func (s *Scheduler) heartbeat(ctx context.Context) {
	status := "idle"
	if s.isHibernating() {
		status = "hibernating"
	}
	if _, err := s.broker.StreamAdd(ctx, broker.HeartbeatStream, map[string]any{
		"agent":  s.identity.Name,
		"ts":     s.clock().UTC().Format(time.RFC3339),
		"status": status,
		"turns":  fmt.Sprint(s.store.Turns.Len()),
	}); err != nil {
		s.log.Warn("heartbeat", zap.Error(err))
	}

	if s.store.Turns.Len() >= s.cfg.Memory.HotRetention {
		s.startPrune(ctx)
	}
}

// startPrune trims the hot log on the loop goroutine, keeping the log
// single-writer, then delegates the summarize/embed round trips so event
// admission is not held up by the compute queue. At most one prune runs
// at a time.
func (s *Scheduler) startPrune(ctx context.Context) {
	s.mu.Lock()
	if s.pruning {
		s.mu.Unlock()
		return
	}
	s.pruning = true
	s.mu.Unlock()

	finish := func() {
		s.mu.Lock()
		s.pruning = false
		s.mu.Unlock()
	}

	doomed := s.store.Turns.Excess(s.cfg.Memory.HotKeep)
	if len(doomed) == 0 {
		finish()
		return
	}

	// Cold file first, trim second: turns are only ever rotated into the
	// archive, never deleted, so a crash in between duplicates them.
	epID := "ep-" + uuid.NewString()
	coldPath, err := s.store.Episodes.Stage(epID, doomed)
	if err != nil {
		s.log.Error("stage episode archive", zap.Error(err))
		finish()
		return
	}
	if _, err := s.store.Turns.PruneTo(s.cfg.Memory.HotKeep); err != nil {
		s.log.Error("prune hot log", zap.Error(err))
		finish()
		return
	}

	s.bg.Add(1)
	go func() {
		defer s.bg.Done()
		defer finish()
		s.summarizeAndIndex(ctx, epID, coldPath, doomed)
	}()
}

// summarizeAndIndex folds staged turns into an episode. Both heavy steps
// ride the compute queue; a timeout leaves a placeholder summary rather
// than retrying.
func (s *Scheduler) summarizeAndIndex(ctx context.Context, epID, coldPath string, removed []types.Turn) {
	var b strings.Builder
	for _, t := range removed {
		fmt.Fprintf(&b, "[%s] %s: %s -> %s\n", t.TimestampIntent.Format(time.RFC3339),
			t.Action.Tool, t.Reasoning, t.Status)
	}

	summary, model, err := s.gateway.Summarize(ctx, b.String())
	if err != nil {
		s.log.Warn("summarize pruned turns", zap.Error(err))
		summary = fmt.Sprintf("(unsummarized) %d turns from %s to %s", len(removed),
			removed[0].TimestampIntent.Format(time.RFC3339),
			removed[len(removed)-1].TimestampIntent.Format(time.RFC3339))
		model = "none"
	}

	ep := types.Episode{
		ID:            epID,
		Agent:         s.identity.Name,
		Model:         model,
		Summary:       summary,
		SourceArchive: coldPath,
		TurnCount:     len(removed),
	}
	// The raw turns now live only in the cold file; the row pointing at
	// it must land even when shutdown has canceled the loop context.
	if err := s.store.Episodes.Record(context.WithoutCancel(ctx), ep); err != nil {
		s.log.Error("record episode", zap.Error(err))
		return
	}
	s.log.Info("hot log pruned", zap.Int("archived", len(removed)), zap.String("episode", ep.ID))

	vec, embedModel, err := s.gateway.Embed(ctx, summary)
	if err != nil {
		s.log.Warn("embed episode summary", zap.Error(err))
		return
	}
	if err := s.store.Index.Put(ctx, types.SemanticRecord{
		ID:        "vec-" + uuid.NewString(),
		EpisodeID: ep.ID,
		Model:     embedModel,
		Vector:    vec,
	}); err != nil {
		s.log.Warn("index episode vector", zap.Error(err))
	}
}

func (s *Scheduler) enqueueTaskCompleted(ctx context.Context, turnID string) {
	ev := types.Event{
		ID:        "ev-" + uuid.NewString(),
		Agent:     s.identity.Name,
		Timestamp: s.clock().UTC(),
		Type:      types.EventTaskCompleted,
		Source:    "self",
		ActionID:  turnID,
	}
	payload, err := json.Marshal(ev)
	if err != nil {
		return
	}
	if err := s.broker.QueuePush(ctx, broker.Internal(s.identity.Name), payload); err != nil {
		s.log.Warn("enqueue task completion", zap.Error(err))
	}
}

func (s *Scheduler) ghostEvent(turnID string) types.Event {
	return types.Event{
		ID:        "ev-" + uuid.NewString(),
		Agent:     s.identity.Name,
		Timestamp: s.clock().UTC(),
		Type:      types.EventGhosted,
		Source:    "recovery",
		ActionID:  turnID,
		Content:   mustJSON("a previous turn was abandoned mid-flight; review and recover"),
	}
}

func (s *Scheduler) audit(ctx context.Context, fields map[string]any) {
	if _, err := s.broker.StreamAdd(ctx, broker.ActionLog, fields); err != nil {
		s.log.Warn("audit entry", zap.Error(err))
	}
}

func (s *Scheduler) setStatus(ctx context.Context, status string) {
	ttl := 2 * s.cfg.Scheduler.HeartbeatEvery
	if err := s.broker.Set(ctx, broker.StatusKey(s.identity.Name), status, ttl); err != nil {
		s.log.Debug("status key", zap.Error(err))
	}
}

func (s *Scheduler) setHibernating(v bool) {
	s.mu.Lock()
	s.hibernating = v
	s.mu.Unlock()
}

func (s *Scheduler) isHibernating() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.hibernating
}

// dumpToWAL appends the raw payload to the forensic inbox log before
// any parsing can reject it.
func (s *Scheduler) dumpToWAL(payload []byte) {
	path := filepath.Join(s.cfg.Agent.Root, "inbox_wal.jsonl")
	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		s.log.Debug("inbox wal", zap.Error(err))
		return
	}
	defer f.Close()
	line, _ := json.Marshal(map[string]any{
		"ts":  s.clock().UTC().Format(time.RFC3339Nano),
		"raw": string(payload),
	})
	f.Write(append(line, '\n'))
}

// archiveMail appends human-origin traffic to the communications log;
// system and agent noise stays out.
func (s *Scheduler) archiveMail(ev types.Event) {
	if ev.Type != types.EventNewMessage {
		return
	}
	if strings.HasPrefix(ev.Source, "agent:") || strings.HasPrefix(ev.Source, "worker:") {
		return
	}
	path := filepath.Join(s.cfg.Agent.Root, "mailbox.jsonl")
	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return
	}
	defer f.Close()
	line, _ := json.Marshal(ev)
	f.Write(append(line, '\n'))
}

func mustJSON(v any) json.RawMessage {
	data, err := json.Marshal(v)
	if err != nil {
		return json.RawMessage(`""`)
	}
	return data
}
