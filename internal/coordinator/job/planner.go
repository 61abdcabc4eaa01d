package job

import (
	"bufio"
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"os/exec"
	"strconv"
	"strings"
	"time"
)

var (
	ErrNoServers         = errors.New("no servers available")
	ErrPlannerProtocol   = errors.New("planner protocol error")
	ErrServerUnavailable = errors.New("required server is not available")
)

// Planner enumerates the map tasks of a job.
type Planner interface {
	PlanMap(ctx context.Context, servers []string, options string) (*MapPlan, error)
}

// MapTask is one map task as assigned by the planner.
type MapTask struct {
	Server string
	Size   int64
	Files  []string
}

type MapPlan struct {
	Tasks []MapTask
}

func (p *MapPlan) InputSize() int64 {
	var total int64
	for _, t := range p.Tasks {
		total += t.Size
	}
	return total
}

// PlanError reports malformed planner output.
type PlanError struct {
	Line   int
	Text   string
	Reason string
}

func (e *PlanError) Error() string {
	return fmt.Sprintf("planner output line %d: %s: %q", e.Line, e.Reason, e.Text)
}

func (e *PlanError) Unwrap() error {
	return ErrPlannerProtocol
}

// WritePlanInput writes the planner's stdin: the server list then the options.
func WritePlanInput(w io.Writer, servers []string, options string) error {
	bw := bufio.NewWriter(w)
	fmt.Fprintf(bw, "servers %d\n", len(servers))
	for _, s := range servers {
		fmt.Fprintln(bw, s)
	}
	bw.WriteString(options)
	if options != "" && !strings.HasSuffix(options, "\n") {
		bw.WriteByte('\n')
	}
	return bw.Flush()
}

// ParsePlan reads planner output:
//
//	task <N>
//	map <server> <totalBytes> <fileCount>
//	file <path>
//	...
func ParsePlan(r io.Reader) (*MapPlan, error) {
	sc := bufio.NewScanner(r)
	sc.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	lineNo := 0

	next := func() (string, bool) {
		for sc.Scan() {
			lineNo++
			line := strings.TrimRight(sc.Text(), "\r")
			if strings.TrimSpace(line) == "" {
				continue
			}
			return line, true
		}
		return "", false
	}
	fail := func(text, reason string) error {
		return &PlanError{Line: lineNo, Text: text, Reason: reason}
	}

	line, ok := next()
	if !ok {
		if err := sc.Err(); err != nil {
			return nil, fmt.Errorf("read planner output: %w", err)
		}
		return nil, fail("", "missing task count")
	}
	fields := strings.Fields(line)
	if len(fields) != 2 || fields[0] != "task" {
		return nil, fail(line, "expected \"task <count>\"")
	}
	n, err := strconv.Atoi(fields[1])
	if err != nil || n < 0 {
		return nil, fail(line, "invalid task count")
	}

	plan := &MapPlan{Tasks: make([]MapTask, 0, n)}
	for i := 0; i < n; i++ {
		line, ok := next()
		if !ok {
			return nil, fail("", fmt.Sprintf("expected map line for task %d", i))
		}
		fields := strings.Fields(line)
		if len(fields) != 4 || fields[0] != "map" {
			return nil, fail(line, "expected \"map <server> <bytes> <files>\"")
		}
		size, err := strconv.ParseInt(fields[2], 10, 64)
		if err != nil || size < 0 {
			return nil, fail(line, "invalid byte count")
		}
		count, err := strconv.Atoi(fields[3])
		if err != nil || count < 0 {
			return nil, fail(line, "invalid file count")
		}

		task := MapTask{Server: fields[1], Size: size, Files: make([]string, 0, count)}
		for f := 0; f < count; f++ {
			line, ok := next()
			if !ok {
				return nil, fail("", fmt.Sprintf("expected file %d of task %d", f, i))
			}
			name, found := strings.CutPrefix(line, "file ")
			name = strings.TrimSpace(name)
			if !found || name == "" {
				return nil, fail(line, "expected \"file <path>\"")
			}
			task.Files = append(task.Files, name)
		}
		plan.Tasks = append(plan.Tasks, task)
	}

	if line, ok := next(); ok {
		return nil, fail(line, "unexpected trailing output")
	}
	if err := sc.Err(); err != nil {
		return nil, fmt.Errorf("read planner output: %w", err)
	}
	return plan, nil
}

// ExecPlanner runs an external planning program per job.
type ExecPlanner struct {
	Program string
	Args    []string
	Timeout time.Duration
}

func (p *ExecPlanner) PlanMap(ctx context.Context, servers []string, options string) (*MapPlan, error) {
	if p.Program == "" {
		return nil, errors.New("no planner program configured")
	}
	if p.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, p.Timeout)
		defer cancel()
	}

	var stdin bytes.Buffer
	if err := WritePlanInput(&stdin, servers, options); err != nil {
		return nil, err
	}

	var stdout, stderr bytes.Buffer
	cmd := exec.CommandContext(ctx, p.Program, p.Args...)
	cmd.Stdin = &stdin
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	if err := cmd.Run(); err != nil {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return nil, fmt.Errorf("planner %s: %w", p.Program, ctxErr)
		}
		msg := strings.TrimSpace(stderr.String())
		if msg != "" {
			return nil, fmt.Errorf("planner %s: %w: %s", p.Program, err, msg)
		}
		return nil, fmt.Errorf("planner %s: %w", p.Program, err)
	}

	return ParsePlan(&stdout)
}
