package flow

import (
	"context"
	"errors"
	"fmt"
	"regexp"
	"strings"

	"github.com/opensandbox/proclist/pkg/types"
)

const (
	// Name is the registered flow name.
	Name = "ListProcesses"
	// Category groups the flow in listings.
	Category = "/Processes/"
	// Behaviours are the UI behaviours the flow is exposed under.
	Behaviours = "BASIC"
)

var (
	ErrEnumerationFailed = errors.New("error during process listing")
	ErrUnexpectedState   = errors.New("unexpected flow state")
	ErrUnexpectedReply   = errors.New("unexpected reply type")
	ErrInvalidArgs       = errors.New("invalid flow arguments")
)

// Args are the validated arguments of a ListProcesses flow.
type Args struct {
	PathRegex        string
	ConnectionStates []types.ConnectionState
	FetchBinaries    bool
}

// ArgsFromTypes converts wire arguments.
func ArgsFromTypes(a types.FlowArgs) Args {
	return Args{
		PathRegex:        a.PathRegex,
		ConnectionStates: a.ConnectionStates,
		FetchBinaries:    a.FetchBinaries,
	}
}

// ListProcesses lists the processes running on an agent.
type ListProcesses struct {
	args   Args
	pathRe *regexp.Regexp
	states map[types.ConnectionState]struct{}
}

// NewListProcesses compiles args into a flow instance.
func NewListProcesses(args Args) (*ListProcesses, error) {
	f := &ListProcesses{
		args:   args,
		states: make(map[types.ConnectionState]struct{}, len(args.ConnectionStates)),
	}
	if args.PathRegex != "" {
		re, err := regexp.Compile(args.PathRegex)
		if err != nil {
			return nil, fmt.Errorf("%w: path regex %q: %v", ErrInvalidArgs, args.PathRegex, err)
		}
		f.pathRe = re
	}
	for _, st := range args.ConnectionStates {
		f.states[st] = struct{}{}
	}
	return f, nil
}

// Args returns the arguments the flow was built from.
func (f *ListProcesses) Args() Args {
	return f.args
}

// Start asks the agent for its process list.
func (f *ListProcesses) Start(ctx context.Context, r Runner) error {
	return r.CallClient(ctx, ActionListProcesses, StateCollectProcesses)
}

// Resume dispatches a reply to the step that was waiting for it.
func (f *ListProcesses) Resume(ctx context.Context, r Runner, next State, reply any) error {
	switch next {
	case StateCollectProcesses:
		listing, ok := reply.(*ProcessListing)
		if !ok {
			return fmt.Errorf("%w: %T at %s", ErrUnexpectedReply, reply, next)
		}
		return f.CollectProcesses(ctx, r, listing)
	case StateHandleDownloads:
		done, ok := reply.(*ChildCompletion)
		if !ok {
			return fmt.Errorf("%w: %T at %s", ErrUnexpectedReply, reply, next)
		}
		return f.HandleDownloads(ctx, r, done)
	default:
		return fmt.Errorf("%w: %q", ErrUnexpectedState, next)
	}
}

// CollectProcesses filters the listing and either replies directly or
// delegates fetching of the matching binaries.
func (f *ListProcesses) CollectProcesses(ctx context.Context, r Runner, listing *ProcessListing) error {
	if !listing.Success {
		return fmt.Errorf("%w: %s", ErrEnumerationFailed, listing.Status)
	}

	if f.args.FetchBinaries {
		return f.fetchBinaries(ctx, r, listing.Processes)
	}

	skipped := 0
	for _, p := range listing.Processes {
		if !f.accept(p) {
			if p.Exe == "" && len(f.states) == 0 {
				skipped++
			}
			continue
		}
		p := p
		if err := r.SendReply(ctx, Result{Process: &p}); err != nil {
			return err
		}
	}

	if skipped > 0 {
		r.Log("Skipped %d entries, missing path for regex", skipped)
	}
	return nil
}

// accept applies the direct-reply policy. Processes without an executable
// path are only considered when connection states were requested.
func (f *ListProcesses) accept(p types.Process) bool {
	if p.Exe != "" {
		return PathMatch(f.pathRe, p.Exe) && ConnectionStateMatch(f.states, p)
	}
	return len(f.states) > 0 && ConnectionStateMatch(f.states, p)
}

func (f *ListProcesses) fetchBinaries(ctx context.Context, r Runner, procs []types.Process) error {
	var candidates []string
	for _, p := range procs {
		if p.Exe != "" && PathMatch(f.pathRe, p.Exe) && ConnectionStateMatch(f.states, p) {
			candidates = append(candidates, p.Exe)
		}
	}
	paths := SortedUnique(candidates)

	r.Log("Got %d processes, fetching binaries for %d...", len(procs), len(paths))

	return r.CallFlow(ctx,
		FileFinderArgs{Paths: paths, Action: FileFinderDownload},
		StateHandleDownloads,
		RequestData{Paths: paths},
	)
}

// HandleDownloads replies with the metadata of every downloaded binary.
// A failed child flow is reported but does not fail this flow.
func (f *ListProcesses) HandleDownloads(ctx context.Context, r Runner, done *ChildCompletion) error {
	if !done.Success {
		r.Log("Download of file %s failed %s", strings.Join(done.RequestData.Paths, ", "), done.Status)
		return nil
	}

	for _, o := range done.Outcomes {
		if !o.Success || o.FileStat == nil {
			r.Log("Download of file %s failed %s", o.Path, o.Status)
			continue
		}
		r.Log("Downloaded %s", o.FileStat.Path)
		if err := r.SendReply(ctx, Result{FileStat: o.FileStat}); err != nil {
			return err
		}
	}
	return nil
}

// NotifyAboutEnd is the completion hook.
func (f *ListProcesses) NotifyAboutEnd(ctx context.Context, r Runner) error {
	if !r.IsWritingResults() {
		return nil
	}
	return r.Notify(ctx, "ViewObject", r.FlowURN(), Name+" completed.")
}
