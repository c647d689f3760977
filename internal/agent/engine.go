// Package agent drives the conversation turn state machine: load the
// session, loop model-call -> tool-dispatch -> result-append until the
// model answers in plain text or the step budget runs out, then trim
// and save the session. Turns for the same user are serialized through
// a per-user lock.
package agent

import (
	"context"
	"encoding/json"
	"log/slog"

	"github.com/freshvill/grocerbot/internal/cart"
	"github.com/freshvill/grocerbot/internal/llm"
	"github.com/freshvill/grocerbot/internal/mcp"
	"github.com/freshvill/grocerbot/internal/session"
	"github.com/freshvill/grocerbot/internal/tools"
)

// Loop limits.
const (
	// DefaultMaxToolCalls bounds real tool dispatches per turn. The
	// total step budget, counting intercepted duplicates, is twice
	// this.
	DefaultMaxToolCalls = 20
	// DefaultMaxInputChars truncates oversized user input before it
	// reaches the model.
	DefaultMaxInputChars = 4096
	// maxConsecutiveSkips is how many duplicate interceptions in a row
	// trigger the corrective hint, and then a forced text reply.
	maxConsecutiveSkips = 3
)

// Fixed user-safe responses. Internal failures never leak past these.
const (
	errModelUnavailable = "Sorry, I can't reach the assistant right now. Please try again in a minute."
	errTooManySteps     = "That request took too many steps to finish. Please try rephrasing it or splitting it into smaller requests."
	errEmptyReply       = "Sorry, I couldn't come up with a reply. Please try again."
)

// cartHint steers a model stuck repeating searches toward finishing
// the job.
const cartHint = "[system hint] Everything has been found already. Do not repeat the search. Create the cart with " +
	tools.CartToolName + " using the product ids from the search results and show the user the outcome."

// ToolLister supplies the remote tool catalog. *mcp.Client satisfies
// it.
type ToolLister interface {
	ListTools(ctx context.Context) ([]mcp.ToolDefinition, error)
}

// Config carries the engine's tunables. Zero values select defaults.
type Config struct {
	MaxToolCalls  int
	MaxHistory    int
	MaxInputChars int
}

// Engine is the orchestration loop. The caller-facing surface is
// ProcessTurn, Reset, and LastCartSnapshot.
type Engine struct {
	model     llm.Client
	store     session.Store
	locks     *session.LockArena
	exec      *tools.Executor
	lister    ToolLister
	snapshots cart.SnapshotStore
	logger    *slog.Logger

	maxToolCalls  int
	maxHistory    int
	maxInputChars int
}

// New wires an engine. lister and snapshots may be nil.
func New(model llm.Client, store session.Store, locks *session.LockArena, exec *tools.Executor, lister ToolLister, snapshots cart.SnapshotStore, cfg Config, logger *slog.Logger) *Engine {
	if cfg.MaxToolCalls <= 0 {
		cfg.MaxToolCalls = DefaultMaxToolCalls
	}
	if cfg.MaxHistory <= 0 {
		cfg.MaxHistory = session.DefaultMaxHistory
	}
	if cfg.MaxInputChars <= 0 {
		cfg.MaxInputChars = DefaultMaxInputChars
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Engine{
		model:         model,
		store:         store,
		locks:         locks,
		exec:          exec,
		lister:        lister,
		snapshots:     snapshots,
		logger:        logger.With("component", "agent"),
		maxToolCalls:  cfg.MaxToolCalls,
		maxHistory:    cfg.MaxHistory,
		maxInputChars: cfg.MaxInputChars,
	}
}

// ProcessTurn runs one full turn and returns the final reply text.
// Every internal failure is converted to a fixed user-safe response.
func (e *Engine) ProcessTurn(ctx context.Context, userID, text string) string {
	if runes := []rune(text); len(runes) > e.maxInputChars {
		e.logger.Warn("user input truncated",
			"user_id", userID, "from", len(runes), "to", e.maxInputChars)
		text = string(runes[:e.maxInputChars])
	}

	release := e.locks.Acquire(userID)
	defer release()

	history, err := e.store.GetOrCreate(ctx, userID)
	if err != nil {
		e.logger.Error("loading session failed", "user_id", userID, "error", err)
		return errModelUnavailable
	}
	history = append(history, llm.UserMessage(text))

	functions := e.functions(ctx)
	st := tools.NewTurnState()

	realCalls := 0
	totalSteps := 0
	maxTotalSteps := e.maxToolCalls * 2
	consecutiveSkips := 0
	cartHintInjected := false
	cartCreated := false

	for realCalls < e.maxToolCalls && totalSteps < maxTotalSteps {
		totalSteps++

		// Too many intercepted duplicates in a row: first nudge the
		// model toward the cart, and if it keeps repeating itself,
		// force a text-only reply. The skip counter resets to one
		// below the threshold so a single further duplicate trips the
		// forced mode.
		if consecutiveSkips >= maxConsecutiveSkips && !cartHintInjected {
			cartHintInjected = true
			consecutiveSkips = maxConsecutiveSkips - 1
			history = append(history, llm.UserMessage(cartHint))
			e.logger.Info("injected cart hint", "user_id", userID)
		}

		forceText := cartCreated || (cartHintInjected && consecutiveSkips >= maxConsecutiveSkips)
		mode := llm.ModeAuto
		if forceText {
			mode = llm.ModeNone
			e.logger.Warn("forcing text reply",
				"user_id", userID, "cart_created", cartCreated, "consecutive_skips", consecutiveSkips)
		}

		e.logger.Debug("model call",
			"user_id", userID, "step", totalSteps, "tool_calls", realCalls, "mode", mode)

		resp, err := e.model.Chat(ctx, history, functions, mode)
		if err != nil {
			e.logger.Error("model call failed", "user_id", userID, "error", err)
			return errModelUnavailable
		}

		msg := resp.Message
		msg.Role = llm.RoleAssistant
		history = append(history, msg)

		if msg.FunctionCall == nil {
			final := msg.Content
			if final == "" {
				final = errEmptyReply
			}
			e.finish(ctx, userID, history)
			e.logger.Info("turn finished",
				"user_id", userID, "steps", totalSteps, "tool_calls", realCalls)
			return final
		}

		name := msg.FunctionCall.Name
		args := msg.FunctionCall.Arguments
		if args == nil {
			args = map[string]any{}
		}
		e.logger.Info("tool call", "user_id", userID, "tool", name, "args", argsPreview(args))

		args, meta := e.exec.Preprocess(ctx, name, args, st)
		if synthetic, skip := e.exec.IsDuplicate(name, args, st); skip {
			history = append(history, llm.FunctionResult(name, synthetic))
			consecutiveSkips++
			continue
		}
		consecutiveSkips = 0
		realCalls++

		result := e.exec.Execute(ctx, userID, name, args)
		result = e.exec.Postprocess(ctx, userID, name, args, result, meta, st)
		st.Tracker.RecordResult(name, args, result)
		history = append(history, llm.FunctionResult(name, result))

		// A created cart ends the shopping part of the turn; the next
		// model call must answer in text so the loop doesn't start
		// over on products from earlier in the history.
		if name == tools.CartToolName && cartSucceeded(result) {
			cartCreated = true
			e.logger.Info("cart created, next step is text-only", "user_id", userID)
		}
	}

	e.finish(ctx, userID, history)
	e.logger.Warn("step limit exceeded",
		"user_id", userID, "steps", totalSteps, "tool_calls", realCalls)
	return errTooManySteps
}

// Reset deletes the user's session and forgets their lock.
func (e *Engine) Reset(ctx context.Context, userID string) error {
	if err := e.store.Reset(ctx, userID); err != nil {
		return err
	}
	e.locks.Forget(userID)
	return nil
}

// LastCartSnapshot returns the user's last successfully created cart,
// or nil when there is none.
func (e *Engine) LastCartSnapshot(ctx context.Context, userID string) (*cart.Snapshot, error) {
	if e.snapshots == nil {
		return nil, nil
	}
	return e.snapshots.Get(ctx, userID)
}

// finish trims and saves the session. Partial progress survives even
// when the turn ends on the step limit.
func (e *Engine) finish(ctx context.Context, userID string, history []llm.Message) {
	trimmed := session.Trim(history, e.maxHistory)
	if err := e.store.Save(ctx, userID, trimmed); err != nil {
		e.logger.Error("saving session failed", "user_id", userID, "error", err)
	}
}

// functions assembles the tool catalog: the remote service's tools
// plus the local registry. A catalog fetch failure degrades to local
// tools only.
func (e *Engine) functions(ctx context.Context) []map[string]any {
	var fns []map[string]any
	if e.lister != nil {
		defs, err := e.lister.ListTools(ctx)
		if err != nil {
			e.logger.Warn("listing remote tools failed", "error", err)
		}
		for _, d := range defs {
			fns = append(fns, map[string]any{
				"name":        d.Name,
				"description": d.Description,
				"parameters":  d.InputSchema,
			})
		}
	}
	return append(fns, e.exec.Registry().Schemas()...)
}

func cartSucceeded(result string) bool {
	var doc struct {
		OK bool `json:"ok"`
	}
	if err := json.Unmarshal([]byte(result), &doc); err != nil {
		return false
	}
	return doc.OK
}

func argsPreview(args map[string]any) string {
	raw, err := json.Marshal(args)
	if err != nil {
		return "{}"
	}
	if len(raw) > 300 {
		raw = raw[:300]
	}
	return string(raw)
}
