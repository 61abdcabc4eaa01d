package main

import (
	"bufio"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"slices"
	"strconv"
	"strings"

	"github.com/nemanja-m/quincy/internal/coordinator/core"
	"github.com/nemanja-m/quincy/internal/coordinator/job"
)

// options is the job option document this planner understands.
type options struct {
	Input        []string `json:"input"`
	FilesPerTask int      `json:"files_per_task"`
}

type request struct {
	servers []string
	options options
}

// readRequest parses the master's planner input: "servers N", N addresses,
// then the raw job options.
func readRequest(r io.Reader) (*request, error) {
	br := bufio.NewReader(r)

	header, err := br.ReadString('\n')
	if err != nil && header == "" {
		return nil, fmt.Errorf("read server count: %w", err)
	}
	count, found := strings.CutPrefix(strings.TrimSpace(header), "servers ")
	if !found {
		return nil, fmt.Errorf("expected \"servers <n>\", got %q", strings.TrimSpace(header))
	}
	n, err := strconv.Atoi(count)
	if err != nil || n < 0 {
		return nil, fmt.Errorf("invalid server count %q", count)
	}

	req := &request{servers: make([]string, 0, n)}
	for range n {
		line, err := br.ReadString('\n')
		line = strings.TrimSpace(line)
		if line == "" {
			return nil, fmt.Errorf("expected %d servers, got %d: %w", n, len(req.servers), errors.Join(err, io.ErrUnexpectedEOF))
		}
		req.servers = append(req.servers, line)
	}

	rest, err := io.ReadAll(br)
	if err != nil {
		return nil, fmt.Errorf("read options: %w", err)
	}
	if len(strings.TrimSpace(string(rest))) > 0 {
		if err := json.Unmarshal(rest, &req.options); err != nil {
			return nil, fmt.Errorf("invalid options: %w", err)
		}
	}
	return req, nil
}

type inputFile struct {
	path string
	size int64
}

// plan groups the matched input files into map tasks spread round-robin
// over the servers. Without files_per_task every server gets one task.
func plan(req *request) (*job.MapPlan, error) {
	if len(req.servers) == 0 {
		return nil, job.ErrNoServers
	}
	if len(req.options.Input) == 0 {
		return nil, errors.New("options.input lists no patterns")
	}

	paths, err := core.FindLocalFiles(req.options.Input)
	if err != nil {
		return nil, fmt.Errorf("expand input: %w", err)
	}
	slices.Sort(paths)
	paths = slices.Compact(paths)

	files := make([]inputFile, 0, len(paths))
	for _, p := range paths {
		info, err := os.Stat(p)
		if err != nil {
			return nil, fmt.Errorf("stat %s: %w", p, err)
		}
		files = append(files, inputFile{path: p, size: info.Size()})
	}

	perTask := req.options.FilesPerTask
	if perTask <= 0 {
		perTask = max(1, (len(files)+len(req.servers)-1)/len(req.servers))
	}

	out := &job.MapPlan{}
	for chunk := range slices.Chunk(files, perTask) {
		task := job.MapTask{Server: req.servers[len(out.Tasks)%len(req.servers)]}
		for _, f := range chunk {
			task.Files = append(task.Files, f.path)
			task.Size += f.size
		}
		out.Tasks = append(out.Tasks, task)
	}
	return out, nil
}

// writePlan emits the plan in the format job.ParsePlan reads.
func writePlan(w io.Writer, p *job.MapPlan) error {
	bw := bufio.NewWriter(w)
	fmt.Fprintf(bw, "task %d\n", len(p.Tasks))
	for _, t := range p.Tasks {
		fmt.Fprintf(bw, "map %s %d %d\n", t.Server, t.Size, len(t.Files))
		for _, f := range t.Files {
			fmt.Fprintf(bw, "file %s\n", f)
		}
	}
	return bw.Flush()
}
