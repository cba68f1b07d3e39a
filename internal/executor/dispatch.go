package executor

import (
	"context"
	"encoding/json"
	"fmt"

	"go.uber.org/zap"

	"github.com/t77yq/agentspace/internal/backend"
	"github.com/t77yq/agentspace/internal/handler"
	"github.com/t77yq/agentspace/internal/model"
)

// TaskScheduler registers schedule rules created by schedule_task actions
type TaskScheduler interface {
	AddScheduleRule(ctx context.Context, rule *model.ScheduleRule) error
}

// Toolkit holds the handlers actions are dispatched to. A nil member makes
// the corresponding action kinds fail validation; a nil Backend makes the
// backend actions fail with ErrBackendUnavailable.
type Toolkit struct {
	Connectors *handler.ConnectorRegistry
	Processors *handler.DataProcessingHandler
	Email      *handler.EmailSender
	Webhook    *handler.WebhookHandler
	Commands   *handler.CommandHandler
	Watcher    *handler.FileWatcher
	Custom     *handler.CustomRegistry
	Backend    backend.Backend
	Tasks      TaskScheduler
	Resources  *ResourceMonitor
}

type outcome struct {
	output    json.RawMessage
	processed int64
	resources []string
	err       error
}

func failed(err error) outcome {
	return outcome{err: err}
}

func notConfigured(kind model.ActionKind) outcome {
	return failed(fmt.Errorf("%w: no handler configured for %s actions", model.ErrValidation, kind))
}

func marshalOutcome(v any, processed int64, resources ...string) outcome {
	out, err := json.Marshal(v)
	if err != nil {
		return failed(fmt.Errorf("failed to marshal action output: %w", err))
	}
	return outcome{output: out, processed: processed, resources: resources}
}

// field extracts a string field from an object input, or the input itself
// when it is a JSON string
func field(input json.RawMessage, name string) (string, bool) {
	if len(input) == 0 {
		return "", false
	}
	var s string
	if err := json.Unmarshal(input, &s); err == nil {
		return s, true
	}
	var obj map[string]json.RawMessage
	if err := json.Unmarshal(input, &obj); err != nil {
		return "", false
	}
	raw, ok := obj[name]
	if !ok {
		return "", false
	}
	if err := json.Unmarshal(raw, &s); err != nil {
		return "", false
	}
	return s, true
}

// dispatch performs the action. lifetime outlives the action and scopes
// work that continues after it completes, such as file watches.
func (e *Executor) dispatch(ctx, lifetime context.Context, action *model.AgentAction, ec *model.ExecutionContext) outcome {
	t := action.Type

	switch t.Kind {
	case model.ActionReadData:
		if e.tools.Connectors == nil {
			return notConfigured(t.Kind)
		}
		conn, err := e.tools.Connectors.Get(t.Target)
		if err != nil {
			return failed(err)
		}
		data, err := conn.Read(ctx, t.Key)
		if err != nil {
			return failed(err)
		}
		resource := t.Target + "/" + t.Key
		if json.Valid(data) {
			return outcome{output: data, processed: int64(len(data)), resources: []string{resource}}
		}
		return marshalOutcome(map[string]string{"content": string(data)}, int64(len(data)), resource)

	case model.ActionWriteData:
		if e.tools.Connectors == nil {
			return notConfigured(t.Kind)
		}
		conn, err := e.tools.Connectors.Get(t.Target)
		if err != nil {
			return failed(err)
		}
		data := []byte(action.Input)
		if content, ok := field(action.Input, "content"); ok {
			data = []byte(content)
		}
		if err := conn.Write(ctx, t.Key, data); err != nil {
			return failed(err)
		}
		return marshalOutcome(map[string]int{"bytes_written": len(data)}, int64(len(data)), t.Target+"/"+t.Key)

	case model.ActionProcessData:
		if e.tools.Processors == nil {
			return notConfigured(t.Kind)
		}
		out, err := e.tools.Processors.Process(ctx, t.Target, action.Input)
		if err != nil {
			return failed(err)
		}
		return outcome{output: out, processed: int64(len(action.Input))}

	case model.ActionSendMessage:
		if e.bus == nil {
			return notConfigured(t.Kind)
		}
		msg := model.NewDirectMessage(e.agentID, t.Target, model.TypeOf(model.MessageDataShared), action.Input)
		if err := e.bus.Send(msg); err != nil {
			return failed(err)
		}
		return marshalOutcome(map[string]string{"message_id": msg.ID}, 0, "agent/"+t.Target)

	case model.ActionSendEmail:
		if e.tools.Email == nil {
			return notConfigured(t.Kind)
		}
		body, _ := field(action.Input, "body")
		if err := e.tools.Email.Send(ctx, t.Target, t.Key, body); err != nil {
			return failed(err)
		}
		return marshalOutcome(map[string]string{"sent_to": t.Target}, int64(len(body)), "mailto:"+t.Target)

	case model.ActionPostWebhook:
		if e.tools.Webhook == nil {
			return notConfigured(t.Kind)
		}
		resp, err := e.tools.Webhook.Post(ctx, t.Target, action.Input)
		o := outcome{resources: []string{t.Target}, processed: int64(len(action.Input))}
		if resp != nil {
			o.output, _ = json.Marshal(resp)
		}
		o.err = err
		return o

	case model.ActionGenerateText:
		if e.tools.Backend == nil {
			return failed(backendMissing())
		}
		prompt, ok := field(action.Input, "prompt")
		if !ok {
			return failed(fmt.Errorf("%w: generate_text requires a prompt", model.ErrValidation))
		}
		text, err := e.tools.Backend.GenerateText(ctx, prompt)
		if err != nil {
			return failed(err)
		}
		return marshalOutcome(map[string]string{"text": text}, int64(len(prompt)))

	case model.ActionAnalyzeText:
		if e.tools.Backend == nil {
			return failed(backendMissing())
		}
		text, ok := field(action.Input, "text")
		if !ok {
			return failed(fmt.Errorf("%w: analyze_text requires a text", model.ErrValidation))
		}
		out, err := e.tools.Backend.AnalyzeText(ctx, text)
		if err != nil {
			return failed(err)
		}
		return outcome{output: out, processed: int64(len(text))}

	case model.ActionRunWorkflow:
		if e.tools.Backend == nil {
			return failed(backendMissing())
		}
		out, err := e.tools.Backend.RunWorkflow(ctx, t.Target, action.Input)
		if err != nil {
			return failed(err)
		}
		return outcome{output: out}

	case model.ActionExecuteCommand:
		if e.tools.Commands == nil {
			return notConfigured(t.Kind)
		}
		var stdin []byte
		if s, ok := field(action.Input, "stdin"); ok {
			stdin = []byte(s)
		}
		res, err := e.tools.Commands.Run(ctx, t.Target, t.Args, ec.Environment, stdin)
		o := outcome{err: err}
		if res != nil {
			o.output, _ = json.Marshal(res)
			o.processed = int64(len(res.Stdout) + len(res.Stderr))
		}
		return o

	case model.ActionWatchFile:
		if e.tools.Watcher == nil {
			return notConfigured(t.Kind)
		}
		err := e.tools.Watcher.Watch(lifetime, t.Target, func(ev handler.WatchEvent) {
			e.announceFileEvent(ev)
		})
		if err != nil {
			return failed(err)
		}
		return marshalOutcome(map[string]string{"watching": t.Target}, 0, t.Target)

	case model.ActionScheduleTask:
		if e.tools.Tasks == nil {
			return notConfigured(t.Kind)
		}
		var req struct {
			Name   string               `json:"name"`
			Action model.ActionTemplate `json:"action"`
		}
		if err := json.Unmarshal(action.Input, &req); err != nil {
			return failed(fmt.Errorf("%w: invalid schedule_task input: %v", model.ErrValidation, err))
		}
		if req.Name == "" {
			req.Name = "scheduled " + string(req.Action.Type.Kind)
		}
		rule := model.NewScheduleRule(e.agentID, req.Name, model.Cron(t.Target), req.Action)
		if err := e.tools.Tasks.AddScheduleRule(ctx, rule); err != nil {
			return failed(err)
		}
		return marshalOutcome(map[string]any{"rule_id": rule.ID, "next_trigger": rule.NextTrigger}, 0)

	case model.ActionCustom:
		if e.tools.Custom == nil {
			return notConfigured(t.Kind)
		}
		out, err := e.tools.Custom.Run(ctx, t.Target, action.Input)
		if err != nil {
			return failed(err)
		}
		return outcome{output: out}
	}

	return failed(fmt.Errorf("%w: unknown action kind %q", model.ErrValidation, t.Kind))
}

func backendMissing() error {
	return fmt.Errorf("%w: no action backend configured", model.ErrBackendUnavailable)
}

func (e *Executor) announceFileEvent(ev handler.WatchEvent) {
	if e.bus == nil {
		return
	}
	payload, err := json.Marshal(ev)
	if err != nil {
		return
	}
	if err := e.bus.Send(model.NewBroadcast(e.agentID, model.TypeOf(model.MessageDataUpdated), payload)); err != nil {
		e.logger.Debug("Failed to announce file event", zap.String("path", ev.Path), zap.Error(err))
	}
}
