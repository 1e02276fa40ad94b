package job

// Class groups jobs for concurrency throttling, bulk cancellation and display.
type Class int

const (
	ClassLoadItem Class = iota
	ClassUpload
	ClassDownload
	ClassRemoteDownload
	ClassRemoteUpload
	ClassRemoteOperation
	ClassTrash
	ClassClean
	ClassPlayback
	ClassControlMaster
)

var classNames = map[Class]string{
	ClassLoadItem:        "load_item",
	ClassUpload:          "upload",
	ClassDownload:        "download",
	ClassRemoteDownload:  "remote_download",
	ClassRemoteUpload:    "remote_upload",
	ClassRemoteOperation: "remote_operation",
	ClassTrash:           "trash",
	ClassClean:           "clean",
	ClassPlayback:        "playback",
	ClassControlMaster:   "control_master",
}

func (c Class) String() string {
	if n, ok := classNames[c]; ok {
		return n
	}
	return "unknown"
}

// ParseClass maps a class name back to its Class.
func ParseClass(name string) (Class, bool) {
	for c, n := range classNames {
		if n == name {
			return c, true
		}
	}
	return 0, false
}

// State is a job's lifecycle position.
type State int32

const (
	StateCreated State = iota
	StateWaiting
	StateRunning
	StateCompleted
	StateCanceled
	StateFaulted
)

func (s State) String() string {
	switch s {
	case StateCreated:
		return "created"
	case StateWaiting:
		return "waiting"
	case StateRunning:
		return "running"
	case StateCompleted:
		return "completed"
	case StateCanceled:
		return "canceled"
	case StateFaulted:
		return "faulted"
	}
	return "unknown"
}

// Terminal reports whether no further transition can happen.
func (s State) Terminal() bool {
	return s >= StateCompleted
}
