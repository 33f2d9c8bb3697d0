package xform

import (
	"bytes"
	"context"
	_ "embed"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/janelia-flyem/neuronalign/format/swc"
	"github.com/janelia-flyem/neuronalign/morph"
	"github.com/janelia-flyem/neuronalign/template"
)

//go:embed register_banc.R
var defaultScript []byte

// ErrUnavailable is returned by a registration backend that cannot run at all.
var ErrUnavailable = errors.New("registration backend unavailable")

// Registration is the stage-1 capability: it maps native points (nanometers) of a region
// into that region's intermediate template space in micrometers, one output point per
// input point in the same order.
type Registration interface {
	Name() string
	Register(ctx context.Context, region template.Region, pts []morph.Vector3d) ([]morph.Vector3d, error)
}

// Identity is the backend used when no registration is installed.  It always reports
// ErrUnavailable so the transformer degrades to the identity mapping.
type Identity struct{}

func (Identity) Name() string { return "identity" }

func (Identity) Register(context.Context, template.Region, []morph.Vector3d) ([]morph.Vector3d, error) {
	return nil, ErrUnavailable
}

// Rscript runs an R registration script in a fresh subprocess per call:
//
//	<Command> <Script> <BRAIN|VNC> <input.swc> <output.swc>
//
// Points are exchanged as SWC files of isolated root nodes numbered from 1.
type Rscript struct {
	Command string        // defaults to "Rscript"
	Script  string        // path to the R script; the built-in script is used if empty
	TempDir string        // parent for per-call work directories; os.TempDir() if empty
	Timeout time.Duration // per call, no limit if zero

	// Serialize runs at most one subprocess at a time.
	Serialize bool

	mu sync.Mutex
}

func (r *Rscript) Name() string {
	return "rscript"
}

func regionArg(region template.Region) string {
	if region == template.NerveCord {
		return "VNC"
	}
	return "BRAIN"
}

// Available reports whether the command can be found.
func (r *Rscript) Available() bool {
	_, err := exec.LookPath(r.command())
	return err == nil
}

func (r *Rscript) command() string {
	if r.Command == "" {
		return "Rscript"
	}
	return r.Command
}

func (r *Rscript) Register(ctx context.Context, region template.Region, pts []morph.Vector3d) ([]morph.Vector3d, error) {
	if len(pts) == 0 {
		return nil, nil
	}
	if r.Serialize {
		r.mu.Lock()
		defer r.mu.Unlock()
	}
	if r.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, r.Timeout)
		defer cancel()
	}

	dir, err := os.MkdirTemp(r.TempDir, "neuronalign-xform-")
	if err != nil {
		return nil, err
	}
	defer os.RemoveAll(dir)

	script := r.Script
	if script == "" {
		script = filepath.Join(dir, "register_banc.R")
		if err := os.WriteFile(script, defaultScript, 0644); err != nil {
			return nil, err
		}
	}
	inPath := filepath.Join(dir, "in.swc")
	outPath := filepath.Join(dir, "out.swc")
	if err := writePoints(inPath, pts); err != nil {
		return nil, err
	}

	var stderr bytes.Buffer
	cmd := exec.CommandContext(ctx, r.command(), script, regionArg(region), inPath, outPath)
	cmd.Stderr = &stderr
	timedLog := morph.NewTimeLog()
	if err := cmd.Run(); err != nil {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		return nil, fmt.Errorf("%s %s: %w: %s", r.command(), filepath.Base(script), err, lastLine(stderr.String()))
	}
	timedLog.Debugf("Registered %d points in region %s with %s", len(pts), region, r.command())
	return readPoints(outPath, len(pts))
}

func writePoints(path string, pts []morph.Vector3d) error {
	nodes := make([]morph.Node, len(pts))
	for i, p := range pts {
		nodes[i] = morph.Node{ID: int64(i + 1), Pos: p, Radius: 1, Parent: morph.NoParent}
	}
	f, err := os.Create(path)
	if err != nil {
		return err
	}
	s := &morph.Skeleton{Units: morph.Nanometers, Nodes: nodes}
	if err := swc.Encode(f, s); err != nil {
		f.Close()
		return err
	}
	return f.Close()
}

func readPoints(path string, n int) ([]morph.Vector3d, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("registration produced no output: %w", err)
	}
	defer f.Close()
	s, _, err := swc.Decode(f, 0)
	if err != nil {
		return nil, fmt.Errorf("bad registration output: %w", err)
	}
	idx := s.Index()
	out := make([]morph.Vector3d, n)
	for i := range out {
		j, found := idx[int64(i+1)]
		if !found {
			return nil, fmt.Errorf("registration output lacks point %d of %d", i+1, n)
		}
		out[i] = s.Nodes[j].Pos
	}
	return out, nil
}

func lastLine(s string) string {
	s = strings.TrimSpace(s)
	if i := strings.LastIndexByte(s, '\n'); i >= 0 {
		return s[i+1:]
	}
	return s
}
