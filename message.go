package worklet

// Kind identifies the type of a message.
type Kind int

// Message kinds. Control kinds travel from control to rendering context,
// event kinds travel back.
const (
	KindSetBinary Kind = iota
	KindApplyState
	KindShutdown
	KindCustomOp
	KindSchedule
	KindScheduleBeats
	KindCancel
	KindSetTempo
	KindStartTransport
	KindStopTransport
	KindVoiceOn
	KindVoiceOff

	KindInitialized
	KindFired
	KindNoteDown
	KindNoteUp
	KindEdge
	KindSpectrum
	KindFault
)

var kindNames = [...]string{
	KindSetBinary:      "setBinary",
	KindApplyState:     "applyState",
	KindShutdown:       "shutdown",
	KindCustomOp:       "customOp",
	KindSchedule:       "schedule",
	KindScheduleBeats:  "scheduleBeats",
	KindCancel:         "cancel",
	KindSetTempo:       "setTempo",
	KindStartTransport: "startTransport",
	KindStopTransport:  "stopTransport",
	KindVoiceOn:        "voiceOn",
	KindVoiceOff:       "voiceOff",
	KindInitialized:    "initialized",
	KindFired:          "fired",
	KindNoteDown:       "noteDown",
	KindNoteUp:         "noteUp",
	KindEdge:           "edge",
	KindSpectrum:       "spectrum",
	KindFault:          "fault",
}

func (k Kind) String() string {
	if k >= 0 && int(k) < len(kindNames) && kindNames[k] != "" {
		return kindNames[k]
	}
	return "unknown"
}

// Message is passed over the ordered channels between the control and
// rendering contexts. Delivery order is FIFO per channel.
type Message interface {
	Kind() Kind
}

type (
	// SetBinary supplies the bytes of a compiled module to a node.
	SetBinary struct {
		Bytes []byte
	}

	// ApplyState replaces node state. State type is defined by the
	// processor that receives it.
	ApplyState struct {
		State interface{}
	}

	// Shutdown asks the node to be removed from rendering.
	Shutdown struct{}

	// CustomOp invokes a named operation, usually a module export.
	CustomOp struct {
		Name string
		Args []float64
	}

	// Schedule requests a callback at time in seconds. Relative time is
	// counted from the time of the frame the message is applied on.
	Schedule struct {
		Time       float64
		Relative   bool
		CallbackID uint64
	}

	// ScheduleBeats requests a callback at a beat. Relative beats are
	// counted from the beat of the frame the message is applied on.
	ScheduleBeats struct {
		Beats      float64
		Relative   bool
		CallbackID uint64
	}

	// Cancel removes scheduled callbacks before they fire.
	Cancel struct {
		CallbackIDs []uint64
	}

	// SetTempo changes the tempo of the clock from the next frame on.
	SetTempo struct {
		BPM float64
	}

	// StartTransport starts beat counting at Beat.
	StartTransport struct {
		Beat float64
	}

	// StopTransport stops beat counting and drops scheduled events.
	StopTransport struct{}

	// VoiceOn assigns a pooled generator slot.
	VoiceOn struct {
		Slot      int
		Frequency float64
		Gain      float64
	}

	// VoiceOff releases a pooled generator slot.
	VoiceOff struct {
		Slot int
	}
)

type (
	// Initialized is emitted once the node module is bound and pending
	// messages are applied.
	Initialized struct{}

	// Fired reports a scheduled callback that is due.
	Fired struct {
		CallbackID uint64
	}

	// NoteDown is emitted by a module through its host imports.
	NoteDown struct {
		Note int
	}

	// NoteUp is emitted by a module through its host imports.
	NoteUp struct {
		Note int
	}

	// Edge reports a rising transition of a gate input.
	Edge struct {
		Sample int
		Time   float64
	}

	// Spectrum carries magnitudes of the analysed frame. Bins slice is
	// owned by the emitter and is reused after a few frames.
	Spectrum struct {
		Bins []float64
	}

	// Fault reports an error that was absorbed by the runtime.
	Fault struct {
		Fault FaultKind
		Err   error
	}
)

// Kind implementations.
func (SetBinary) Kind() Kind      { return KindSetBinary }
func (ApplyState) Kind() Kind     { return KindApplyState }
func (Shutdown) Kind() Kind       { return KindShutdown }
func (CustomOp) Kind() Kind       { return KindCustomOp }
func (Schedule) Kind() Kind       { return KindSchedule }
func (ScheduleBeats) Kind() Kind  { return KindScheduleBeats }
func (Cancel) Kind() Kind         { return KindCancel }
func (SetTempo) Kind() Kind       { return KindSetTempo }
func (StartTransport) Kind() Kind { return KindStartTransport }
func (StopTransport) Kind() Kind  { return KindStopTransport }
func (VoiceOn) Kind() Kind        { return KindVoiceOn }
func (VoiceOff) Kind() Kind       { return KindVoiceOff }
func (Initialized) Kind() Kind    { return KindInitialized }
func (Fired) Kind() Kind          { return KindFired }
func (NoteDown) Kind() Kind       { return KindNoteDown }
func (NoteUp) Kind() Kind         { return KindNoteUp }
func (Edge) Kind() Kind           { return KindEdge }
func (Spectrum) Kind() Kind       { return KindSpectrum }
func (Fault) Kind() Kind          { return KindFault }
