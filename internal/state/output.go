package state

import (
	"bufio"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"unicode/utf8"

	"github.com/cockroachdb/errors"
)

var ErrAlreadyPersisted = errors.New("output already persisted")

// backing is where the captured streams of a job currently live: either
// *memoryOutput while the job may still write, or *fileOutput afterwards.
type backing interface {
	isBacking()
}

type memoryOutput struct {
	stdout strings.Builder
	stderr strings.Builder
}

func (*memoryOutput) isBacking() {}

type fileOutput struct {
	stdoutPath string
	stderrPath string
}

func (*fileOutput) isBacking() {}

// Chunk is the result of an incremental read. Offsets count characters
// (runes) in the concatenation of every line appended to the stream.
type Chunk struct {
	Output       string
	Error        string
	OutputOffset int
	ErrorOffset  int
	Status       Status
	ExitCode     *int
}

// AppendOutput appends line and a newline to the primary stream. It is a no-op
// once the output has been persisted.
func (j *Job) AppendOutput(line string) {
	j.mu.Lock()
	defer j.mu.Unlock()
	if m, ok := j.out.(*memoryOutput); ok {
		m.stdout.WriteString(line)
		m.stdout.WriteByte('\n')
	}
}

// AppendError appends line and a newline to the diagnostic stream. It is a
// no-op once the output has been persisted.
func (j *Job) AppendError(line string) {
	j.mu.Lock()
	defer j.mu.Unlock()
	if m, ok := j.out.(*memoryOutput); ok {
		m.stderr.WriteString(line)
		m.stderr.WriteByte('\n')
	}
}

// ReadSince returns what was appended to both streams after the given
// offsets. Offsets are clamped to [0, len].
func (j *Job) ReadSince(outputOffset, errorOffset int) Chunk {
	j.mu.Lock()
	chunk := Chunk{Status: j.status}
	if j.exitCode != nil {
		code := *j.exitCode
		chunk.ExitCode = &code
	}
	switch out := j.out.(type) {
	case *memoryOutput:
		chunk.Output, chunk.OutputOffset = sliceFrom(out.stdout.String(), outputOffset)
		chunk.Error, chunk.ErrorOffset = sliceFrom(out.stderr.String(), errorOffset)
		j.mu.Unlock()
	case *fileOutput:
		// persisted files never change, read them without holding the lock
		j.mu.Unlock()
		chunk.Output, chunk.OutputOffset = readFrom(out.stdoutPath, outputOffset)
		chunk.Error, chunk.ErrorOffset = readFrom(out.stderrPath, errorOffset)
	default:
		j.mu.Unlock()
	}
	return chunk
}

func clamp(offset, length int) int {
	return max(0, min(offset, length))
}

func sliceFrom(s string, offset int) (string, int) {
	total := utf8.RuneCountInString(s)
	offset = clamp(offset, total)
	pos := 0
	for range offset {
		_, size := utf8.DecodeRuneInString(s[pos:])
		pos += size
	}
	return s[pos:], total
}

// readFrom serves a persisted stream. A missing or unreadable file yields an
// empty delta and leaves the (non-negative) offset untouched.
func readFrom(path string, offset int) (string, int) {
	offset = max(0, offset)
	f, err := os.Open(path)
	if err != nil {
		slog.Warn("reading persisted output", "path", path, "error", err)
		return "", offset
	}
	defer f.Close()

	r := bufio.NewReader(f)
	skipped := 0
	for skipped < offset {
		if _, _, err := r.ReadRune(); err != nil {
			if err != io.EOF {
				slog.Warn("reading persisted output", "path", path, "error", err)
				return "", offset
			}
			break
		}
		skipped++
	}
	b, err := io.ReadAll(r)
	if err != nil {
		slog.Warn("reading persisted output", "path", path, "error", err)
		return "", offset
	}
	return string(b), skipped + utf8.RuneCount(b)
}

// OutputFileNames returns the deterministic file names used when persisting
// the output of the job with the given id.
func OutputFileNames(id string) (stdout, stderr string) {
	return id + "_output.txt", id + "_error.txt"
}

// Persist writes both streams to dir and releases the in-memory buffers. On
// failure the buffers are kept and partially written files are removed.
func (j *Job) Persist(dir string) error {
	j.mu.Lock()
	defer j.mu.Unlock()

	mem, ok := j.out.(*memoryOutput)
	if !ok {
		return ErrAlreadyPersisted
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return errors.Wrapf(err, "creating output directory %s", dir)
	}

	stdoutName, stderrName := OutputFileNames(j.ID)
	out := &fileOutput{
		stdoutPath: filepath.Join(dir, stdoutName),
		stderrPath: filepath.Join(dir, stderrName),
	}
	if err := writeFile(out.stdoutPath, mem.stdout.String()); err != nil {
		return err
	}
	if err := writeFile(out.stderrPath, mem.stderr.String()); err != nil {
		_ = os.Remove(out.stdoutPath)
		return err
	}
	j.out = out
	return nil
}

func writeFile(path, content string) error {
	f, err := os.OpenFile(path, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, 0o644)
	if err != nil {
		return errors.Wrapf(err, "creating %s", path)
	}
	if _, err := io.WriteString(f, content); err != nil {
		_ = f.Close()
		_ = os.Remove(path)
		return errors.Wrapf(err, "writing %s", path)
	}
	if err := f.Close(); err != nil {
		_ = os.Remove(path)
		return errors.Wrapf(err, "closing %s", path)
	}
	return nil
}

// Persisted reports whether the output has been moved to disk.
func (j *Job) Persisted() bool {
	j.mu.Lock()
	defer j.mu.Unlock()
	_, ok := j.out.(*fileOutput)
	return ok
}

// OutputFiles returns the persisted file paths, if any.
func (j *Job) OutputFiles() (stdout, stderr string, ok bool) {
	j.mu.Lock()
	defer j.mu.Unlock()
	out, ok := j.out.(*fileOutput)
	if !ok {
		return "", "", false
	}
	return out.stdoutPath, out.stderrPath, true
}

// DeleteFiles removes the persisted files. Missing files are not an error.
func (j *Job) DeleteFiles() error {
	stdout, stderr, ok := j.OutputFiles()
	if !ok {
		return nil
	}
	var err error
	for _, path := range []string{stdout, stderr} {
		if rerr := os.Remove(path); rerr != nil && !os.IsNotExist(rerr) {
			err = errors.CombineErrors(err, errors.Wrapf(rerr, "removing %s", path))
		}
	}
	return err
}
