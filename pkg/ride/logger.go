package ride

import (
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/gianluz/kite/pkg/secret"
)

// Verbosity controls how much segment output reaches the console.
// The log file always receives every record.
type Verbosity int

const (
	// VerbosityQuiet shows only errors on the console.
	VerbosityQuiet Verbosity = iota
	// VerbosityNormal shows info and above.
	VerbosityNormal
	// VerbosityVerbose additionally streams live command output.
	VerbosityVerbose
	// VerbosityDebug shows everything, including debug records.
	VerbosityDebug
)

// DefaultLogRoot is the segment log directory relative to the workspace.
const DefaultLogRoot = ".kite/logs"

type severity int

const (
	sevDebug severity = iota
	sevInfo
	sevWarn
	sevError
)

func (s severity) String() string {
	switch s {
	case sevDebug:
		return "DEBUG"
	case sevInfo:
		return "INFO"
	case sevWarn:
		return "WARN"
	default:
		return "ERROR"
	}
}

// consoleFloor is the minimum verbosity at which a severity reaches the
// console.
func (s severity) consoleFloor() Verbosity {
	switch s {
	case sevDebug:
		return VerbosityDebug
	case sevInfo:
		return VerbosityNormal
	case sevWarn:
		return VerbosityNormal
	default:
		return VerbosityQuiet
	}
}

// SegmentLogger is the per-segment sink: one log file per segment plus
// the shared console. Every record is passed through the masking
// registry before it is written anywhere.
//
// Line format (stable): [HH:mm:ss.SSS] [<segment>] <SEVERITY> <message>
type SegmentLogger struct {
	segment   string
	verbosity Verbosity
	registry  *secret.Registry
	console   io.Writer

	mu   sync.Mutex
	file *os.File
	now  func() time.Time
}

// NewSegmentLogger opens (truncating) the segment's log file under
// logDir and returns the logger. Close must be called when the segment
// ends, whatever its outcome.
func NewSegmentLogger(logDir, segment string, console io.Writer, verbosity Verbosity, registry *secret.Registry) (*SegmentLogger, error) {
	if err := os.MkdirAll(logDir, 0o755); err != nil {
		return nil, fmt.Errorf("create log dir: %w", err)
	}
	file, err := os.Create(filepath.Join(logDir, segment+".log"))
	if err != nil {
		return nil, fmt.Errorf("create segment log: %w", err)
	}
	if console == nil {
		console = io.Discard
	}
	return &SegmentLogger{
		segment:   segment,
		verbosity: verbosity,
		registry:  registry,
		console:   console,
		file:      file,
		now:       time.Now,
	}, nil
}

// Debug logs at debug severity.
func (l *SegmentLogger) Debug(msg string) { l.write(sevDebug, msg, sevDebug.consoleFloor()) }

// Info logs at info severity.
func (l *SegmentLogger) Info(msg string) { l.write(sevInfo, msg, sevInfo.consoleFloor()) }

// Warn logs at warn severity.
func (l *SegmentLogger) Warn(msg string) { l.write(sevWarn, msg, sevWarn.consoleFloor()) }

// Error logs at error severity.
func (l *SegmentLogger) Error(msg string) { l.write(sevError, msg, sevError.consoleFloor()) }

// Infof logs a formatted message at info severity.
func (l *SegmentLogger) Infof(format string, args ...any) {
	l.Info(fmt.Sprintf(format, args...))
}

// Warnf logs a formatted message at warn severity.
func (l *SegmentLogger) Warnf(format string, args ...any) {
	l.Warn(fmt.Sprintf(format, args...))
}

// Errorf logs a formatted message at error severity.
func (l *SegmentLogger) Errorf(format string, args ...any) {
	l.Error(fmt.Sprintf(format, args...))
}

// LogCommand records a command the segment is about to run.
func (l *SegmentLogger) LogCommand(command string, args []string) {
	line := "$ " + command
	if len(args) > 0 {
		line += " " + strings.Join(args, " ")
	}
	l.write(sevInfo, line, sevInfo.consoleFloor())
}

// LogOutput forwards one line of captured command output. Written to the
// file at info severity; reaches the console only at verbose and above.
func (l *SegmentLogger) LogOutput(line string) {
	l.write(sevInfo, line, VerbosityVerbose)
}

// LogCompletion records the segment's terminal status and duration.
func (l *SegmentLogger) LogCompletion(status Status, duration time.Duration) {
	sev := sevInfo
	if status == StatusFailure || status == StatusTimeout {
		sev = sevError
	}
	l.write(sev, fmt.Sprintf("segment %s in %s", status, duration.Round(time.Millisecond)), sev.consoleFloor())
}

// write formats, masks, and emits one record. consoleFloor is the
// minimum verbosity at which the record also reaches the console.
func (l *SegmentLogger) write(sev severity, msg string, consoleFloor Verbosity) {
	masked := msg
	if l.registry != nil {
		masked = l.registry.Mask(msg)
	}
	line := fmt.Sprintf("[%s] [%s] %s %s\n",
		l.now().Format("15:04:05.000"), l.segment, sev, masked)

	l.mu.Lock()
	defer l.mu.Unlock()
	if l.file != nil {
		io.WriteString(l.file, line)
	}
	if l.verbosity >= consoleFloor {
		io.WriteString(l.console, line)
	}
}

// Close releases the segment's log file. Safe to call more than once.
func (l *SegmentLogger) Close() error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.file == nil {
		return nil
	}
	err := l.file.Close()
	l.file = nil
	return err
}
