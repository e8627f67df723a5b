package task

import (
	"iter"
	"sync"

	"repair-bench/internal/benchmark"
	"repair-bench/internal/config"
	"repair-bench/internal/profile"
	"repair-bench/internal/tool"
)

// TaskData is everything one task needs. Every mutable field is owned by the
// task; nothing is shared with sibling tasks or with the profile templates.
type TaskData struct {
	Benchmark        benchmark.Benchmark
	Tool             tool.Tool // nil for prepare tasks
	Item             benchmark.ExperimentItem
	TaskProfile      *profile.TaskProfile
	ContainerProfile *profile.ContainerProfile
	BugIndex         int
}

type Task struct {
	Config config.TaskConfig
	Data   TaskData
}

type EnumerateRequest struct {
	Tools     []tool.Tool
	Benchmark benchmark.Benchmark

	TaskProfiles        map[string]*profile.TaskProfile
	ContainerProfiles   map[string]*profile.ContainerProfile
	TaskProfileIDs      []string
	ContainerProfileIDs []string

	Filter Filter
	Config config.TaskConfig

	// Attached to every task profile copy.
	ToolParams string
	ToolTag    string
}

// Stream lazily yields tasks in the order task profile, container profile,
// experiment, tool. A stream can be consumed once.
type Stream struct {
	req          EnumerateRequest
	withoutTools bool

	mu          sync.Mutex
	experiments []benchmark.ExperimentItem
	started     bool
	done        bool
	tp, cp      int
	ex, tl      int
	current     *profile.TaskProfile
}

// Enumerate validates every referenced profile id and returns the task
// stream. No task is produced when an id is unknown.
func Enumerate(req EnumerateRequest) (*Stream, error) {
	if err := validateProfileIDs(req); err != nil {
		return nil, err
	}
	return &Stream{req: req}, nil
}

// EnumerateExperiments is Enumerate without the tool dimension: every task
// carries a nil tool. Used by prepare tasks.
func EnumerateExperiments(req EnumerateRequest) (*Stream, error) {
	req.Tools = nil
	if err := validateProfileIDs(req); err != nil {
		return nil, err
	}
	return &Stream{req: req, withoutTools: true}, nil
}

func validateProfileIDs(req EnumerateRequest) error {
	for _, id := range req.TaskProfileIDs {
		if _, ok := req.TaskProfiles[id]; !ok {
			return &config.ConfigError{Kind: "task profile", ID: id}
		}
	}
	for _, id := range req.ContainerProfileIDs {
		if _, ok := req.ContainerProfiles[id]; !ok {
			return &config.ConfigError{Kind: "container profile", ID: id}
		}
	}
	return nil
}

func (s *Stream) toolCount() int {
	if s.withoutTools {
		return 1
	}
	return len(s.req.Tools)
}

// Next returns the next task, or false once the stream is exhausted.
func (s *Stream) Next() (Task, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.done {
		return Task{}, false
	}
	if !s.started {
		s.started = true
		if s.req.Benchmark != nil {
			s.experiments = s.req.Filter.Apply(s.req.Benchmark.Experiments())
		}
	}

	if len(s.experiments) == 0 || s.toolCount() == 0 || len(s.req.ContainerProfileIDs) == 0 {
		s.done = true
		return Task{}, false
	}
	if s.tp >= len(s.req.TaskProfileIDs) {
		s.done = true
		return Task{}, false
	}

	if s.current == nil {
		tmpl := s.req.TaskProfiles[s.req.TaskProfileIDs[s.tp]]
		s.current = tmpl.Clone()
		s.current.ToolParams = s.req.ToolParams
		s.current.ToolTag = s.req.ToolTag
	}

	item := s.experiments[s.ex]
	data := TaskData{
		Benchmark:        s.req.Benchmark.Clone(),
		Item:             item.Clone(),
		TaskProfile:      s.current.Clone(),
		ContainerProfile: s.req.ContainerProfiles[s.req.ContainerProfileIDs[s.cp]].Clone(),
		BugIndex:         item.ID,
	}
	if !s.withoutTools {
		data.Tool = s.req.Tools[s.tl].Clone()
	}
	t := Task{Config: s.req.Config.Clone(), Data: data}

	s.advance()
	return t, true
}

func (s *Stream) advance() {
	s.tl++
	if s.tl < s.toolCount() {
		return
	}
	s.tl = 0
	s.ex++
	if s.ex < len(s.experiments) {
		return
	}
	s.ex = 0
	s.cp++
	if s.cp < len(s.req.ContainerProfileIDs) {
		return
	}
	s.cp = 0
	s.tp++
	s.current = nil
}

// All ranges over the remaining tasks.
func (s *Stream) All() iter.Seq[Task] {
	return func(yield func(Task) bool) {
		for {
			t, ok := s.Next()
			if !ok || !yield(t) {
				return
			}
		}
	}
}
