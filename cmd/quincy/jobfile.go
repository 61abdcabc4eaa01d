package main

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"

	"github.com/google/uuid"
	"gopkg.in/yaml.v3"

	"github.com/nemanja-m/quincy/internal/shared/rpc"
)

// jobFile is the on-disk job description. Options may be given as a YAML
// mapping; it is forwarded to the planner and tasks as JSON.
type jobFile struct {
	JobID     string         `yaml:"jobid"`
	TraceInfo string         `yaml:"traceinfo"`
	Console   string         `yaml:"console"`
	Priority  *int           `yaml:"priority"`
	Options   yaml.Node      `yaml:"options"`
	Sections  []rpc.JobPhase `yaml:"section"`
}

func loadJobFile(path string) (*rpc.JobCreate, error) {
	var r io.Reader = os.Stdin
	if path != "-" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("failed to read job file: %w", err)
		}
		r = bytes.NewReader(data)
	}
	return parseJobFile(r)
}

func parseJobFile(r io.Reader) (*rpc.JobCreate, error) {
	var f jobFile
	dec := yaml.NewDecoder(r)
	dec.KnownFields(true)
	if err := dec.Decode(&f); err != nil {
		if errors.Is(err, io.EOF) {
			return nil, errors.New("empty job file")
		}
		return nil, fmt.Errorf("invalid job file: %w", err)
	}
	if len(f.Sections) == 0 {
		return nil, errors.New("job file has no sections")
	}

	options, err := optionsJSON(&f.Options)
	if err != nil {
		return nil, err
	}

	req := &rpc.JobCreate{
		JobID:     f.JobID,
		TraceInfo: f.TraceInfo,
		Console:   f.Console,
		Priority:  f.Priority,
		Options:   options,
		Sections:  f.Sections,
	}
	if req.JobID == "" {
		req.JobID = uuid.NewString()
	}
	return req, nil
}

// optionsJSON renders the options node: scalars are passed through verbatim,
// mappings and sequences are converted to JSON.
func optionsJSON(n *yaml.Node) (string, error) {
	switch n.Kind {
	case 0:
		return "", nil
	case yaml.ScalarNode:
		return n.Value, nil
	}

	var v any
	if err := n.Decode(&v); err != nil {
		return "", fmt.Errorf("invalid options: %w", err)
	}
	b, err := json.Marshal(v)
	if err != nil {
		return "", fmt.Errorf("options are not representable as JSON: %w", err)
	}
	return string(b), nil
}
