package pipeline

import (
	"context"
	"log/slog"

	"github.com/looplab/fsm"
)

const (
	StateIdle         = "idle"
	StateRecording    = "recording"
	StateTranscribing = "transcribing"
	StateParsing      = "parsing"
	StatePredicting   = "predicting"
	StateAnnouncing   = "announcing"
)

const (
	eventRecord     = "record"
	eventTranscribe = "transcribe"
	eventParse      = "parse"
	eventPredict    = "predict"
	eventAnnounce   = "announce"
	eventFinish     = "finish"
)

func newMachine(logger *slog.Logger) *fsm.FSM {
	return fsm.NewFSM(
		StateIdle,
		fsm.Events{
			{Name: eventRecord, Src: []string{StateIdle}, Dst: StateRecording},
			{Name: eventTranscribe, Src: []string{StateRecording}, Dst: StateTranscribing},
			{Name: eventParse, Src: []string{StateIdle, StateTranscribing}, Dst: StateParsing},
			{Name: eventPredict, Src: []string{StateParsing}, Dst: StatePredicting},
			{Name: eventAnnounce, Src: []string{StateIdle, StateRecording, StateTranscribing, StateParsing, StatePredicting}, Dst: StateAnnouncing},
			{Name: eventFinish, Src: []string{StateRecording, StateTranscribing, StateParsing, StatePredicting, StateAnnouncing}, Dst: StateIdle},
		},
		fsm.Callbacks{
			"enter_state": func(_ context.Context, e *fsm.Event) {
				logger.Debug("pipeline state", slog.String("from", e.Src), slog.String("to", e.Dst))
			},
		},
	)
}

func (p *Pipeline) transition(ctx context.Context, event string) {
	if err := p.machine.Event(ctx, event); err != nil {
		p.logger.Warn("invalid pipeline transition",
			slog.String("event", event),
			slog.String("state", p.machine.Current()),
			slogError(err))
	}
}

// reset returns the machine to idle whatever path the trigger took.
func (p *Pipeline) reset(ctx context.Context) {
	if p.machine.Current() == StateIdle {
		return
	}
	if err := p.machine.Event(ctx, eventFinish); err != nil {
		p.machine.SetState(StateIdle)
	}
}
