package dispatcher

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/distribution/reference"
	"github.com/docker/docker/api/types/container"
	dockerclient "github.com/docker/docker/client"
	"github.com/docker/go-units"
	log "github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"

	"github.com/KingCide/Mariner/internal/dockerhost"
)

// Verb is a container lifecycle action.
type Verb string

const (
	VerbStart   Verb = "start"
	VerbStop    Verb = "stop"
	VerbRestart Verb = "restart"
	VerbKill    Verb = "kill"
	VerbPause   Verb = "pause"
	VerbUnpause Verb = "unpause"
	VerbRemove  Verb = "remove"
)

var verbs = map[Verb]func(context.Context, dockerclient.APIClient, string) error{
	VerbStart: func(ctx context.Context, c dockerclient.APIClient, id string) error {
		return c.ContainerStart(ctx, id, container.StartOptions{})
	},
	VerbStop: func(ctx context.Context, c dockerclient.APIClient, id string) error {
		return c.ContainerStop(ctx, id, container.StopOptions{})
	},
	VerbRestart: func(ctx context.Context, c dockerclient.APIClient, id string) error {
		return c.ContainerRestart(ctx, id, container.StopOptions{})
	},
	VerbKill: func(ctx context.Context, c dockerclient.APIClient, id string) error {
		return c.ContainerKill(ctx, id, "SIGKILL")
	},
	VerbPause: func(ctx context.Context, c dockerclient.APIClient, id string) error {
		return c.ContainerPause(ctx, id)
	},
	VerbUnpause: func(ctx context.Context, c dockerclient.APIClient, id string) error {
		return c.ContainerUnpause(ctx, id)
	},
	VerbRemove: func(ctx context.Context, c dockerclient.APIClient, id string) error {
		return c.ContainerRemove(ctx, id, container.RemoveOptions{Force: true})
	},
}

var errEmptyID = errors.New("empty container id")

// ParseVerb rejects anything outside the fixed verb set.
func ParseVerb(s string) (Verb, error) {
	v := Verb(s)
	if _, ok := verbs[v]; !ok {
		return "", fmt.Errorf("%w: unknown operation %q", dockerhost.ErrOperation, s)
	}
	return v, nil
}

// Perform runs one verb against one container.
func (d *Dispatcher) Perform(ctx context.Context, hostID, containerID string, verb Verb) error {
	fn, ok := verbs[verb]
	if !ok {
		return fmt.Errorf("%w: unknown operation %q", dockerhost.ErrOperation, verb)
	}
	cli, err := d.client(hostID)
	if err != nil {
		return err
	}
	if err := fn(ctx, cli, containerID); err != nil {
		return opError(string(verb)+" "+shortID(containerID), hostID, err)
	}
	log.Infof("[dispatch] %s: %s %s", hostID, verb, shortID(containerID))
	return nil
}

type BatchFailure struct {
	ID    string `json:"id"`
	Error string `json:"error"`
}

type BatchResult struct {
	Success []string       `json:"success"`
	Failed  []BatchFailure `json:"failed"`
}

// Batch applies verb to every id concurrently and partitions the outcome.
// Duplicate ids run once and appear once in the result, so Success and
// Failed together hold one entry per distinct id, which can be fewer than
// len(ids). Per-container failures are reported in the result; the
// returned error covers only an unknown verb or host.
func (d *Dispatcher) Batch(ctx context.Context, hostID string, ids []string, verb Verb) (*BatchResult, error) {
	fn, ok := verbs[verb]
	if !ok {
		return nil, fmt.Errorf("%w: unknown operation %q", dockerhost.ErrOperation, verb)
	}
	cli, err := d.client(hostID)
	if err != nil {
		return nil, err
	}

	unique := make([]string, 0, len(ids))
	seen := make(map[string]struct{}, len(ids))
	for _, id := range ids {
		if _, dup := seen[id]; dup {
			continue
		}
		seen[id] = struct{}{}
		unique = append(unique, id)
	}

	errs := make([]error, len(unique))
	var g errgroup.Group
	g.SetLimit(d.batchConcurrency)
	for i, id := range unique {
		if id == "" {
			errs[i] = errEmptyID
			continue
		}
		g.Go(func() error {
			errs[i] = fn(ctx, cli, id)
			return nil
		})
	}
	g.Wait()

	res := &BatchResult{Success: []string{}, Failed: []BatchFailure{}}
	for i, id := range unique {
		if errs[i] != nil {
			res.Failed = append(res.Failed, BatchFailure{ID: id, Error: errs[i].Error()})
			continue
		}
		res.Success = append(res.Success, id)
	}

	log.Infof("[dispatch] %s: batch %s: %d ok, %d failed", hostID, verb, len(res.Success), len(res.Failed))
	return res, nil
}

// RenameContainer gives a container a new name.
func (d *Dispatcher) RenameContainer(ctx context.Context, hostID, containerID, name string) error {
	if name == "" {
		return fmt.Errorf("%w: new name is empty", dockerhost.ErrOperation)
	}
	cli, err := d.client(hostID)
	if err != nil {
		return err
	}
	if err := cli.ContainerRename(ctx, containerID, name); err != nil {
		return opError("rename "+shortID(containerID), hostID, err)
	}
	return nil
}

type CommitOptions struct {
	Repo    string   `json:"repo"`
	Tag     string   `json:"tag,omitempty"`
	Comment string   `json:"comment,omitempty"`
	Author  string   `json:"author,omitempty"`
	Changes []string `json:"changes,omitempty"`
	// Pause freezes the container while it is committed. Defaults to true.
	Pause *bool `json:"pause,omitempty"`
}

type CommitResult struct {
	ImageID   string `json:"image_id"`
	Reference string `json:"reference"`
}

// CommitContainer creates an image from the container's current state.
// An untagged repo is tagged latest.
func (d *Dispatcher) CommitContainer(ctx context.Context, hostID, containerID string, opts CommitOptions) (*CommitResult, error) {
	ref, err := commitReference(opts.Repo, opts.Tag)
	if err != nil {
		return nil, err
	}
	cli, err := d.client(hostID)
	if err != nil {
		return nil, err
	}
	pause := opts.Pause == nil || *opts.Pause
	resp, err := cli.ContainerCommit(ctx, containerID, container.CommitOptions{
		Reference: ref,
		Comment:   opts.Comment,
		Author:    opts.Author,
		Changes:   opts.Changes,
		Pause:     pause,
	})
	if err != nil {
		return nil, opError("commit "+shortID(containerID), hostID, err)
	}
	log.Infof("[dispatch] %s: committed %s as %s (%s)", hostID, shortID(containerID), ref, shortID(resp.ID))
	return &CommitResult{ImageID: resp.ID, Reference: ref}, nil
}

func commitReference(repo, tag string) (string, error) {
	repo = strings.TrimSpace(repo)
	if repo == "" {
		return "", invalidArg("repository is required")
	}
	named, err := reference.ParseNormalizedNamed(repo)
	if err != nil {
		return "", invalidArg("invalid repository %q: %v", repo, err)
	}
	if _, ok := named.(reference.Digested); ok {
		return "", invalidArg("cannot commit to a digest reference %q", repo)
	}
	if tag == "" {
		return reference.FamiliarString(reference.TagNameOnly(named)), nil
	}
	if !reference.IsNameOnly(named) {
		return "", invalidArg("repository %q already carries a tag", repo)
	}
	tagged, err := reference.WithTag(named, tag)
	if err != nil {
		return "", invalidArg("invalid tag %q: %v", tag, err)
	}
	return reference.FamiliarString(tagged), nil
}

// UpdateOptions changes resource limits and the restart policy of a
// running container. Memory values take docker sizes such as "512m";
// MemorySwap also takes "-1" for unlimited swap. Unset fields are left
// alone.
type UpdateOptions struct {
	CPUShares         int64          `json:"cpuShares,omitempty"`
	Memory            string         `json:"memory,omitempty"`
	MemoryReservation string         `json:"memoryReservation,omitempty"`
	MemorySwap        string         `json:"memorySwap,omitempty"`
	CpusetCpus        string         `json:"cpusetCpus,omitempty"`
	CpusetMems        string         `json:"cpusetMems,omitempty"`
	RestartPolicy     *RestartPolicy `json:"restartPolicy,omitempty"`
}

type RestartPolicy struct {
	Name              string `json:"name"`
	MaximumRetryCount int    `json:"maximumRetryCount,omitempty"`
}

func (o UpdateOptions) config() (container.UpdateConfig, error) {
	var cfg container.UpdateConfig
	if o.CPUShares < 0 {
		return cfg, invalidArg("cpuShares must not be negative")
	}
	cfg.CPUShares = o.CPUShares
	cfg.CpusetCpus = o.CpusetCpus
	cfg.CpusetMems = o.CpusetMems

	var err error
	if cfg.Memory, err = memoryBytes("memory", o.Memory, false); err != nil {
		return cfg, err
	}
	if cfg.MemoryReservation, err = memoryBytes("memoryReservation", o.MemoryReservation, false); err != nil {
		return cfg, err
	}
	if cfg.MemorySwap, err = memoryBytes("memorySwap", o.MemorySwap, true); err != nil {
		return cfg, err
	}

	if o.RestartPolicy != nil {
		cfg.RestartPolicy = container.RestartPolicy{
			Name:              container.RestartPolicyMode(o.RestartPolicy.Name),
			MaximumRetryCount: o.RestartPolicy.MaximumRetryCount,
		}
		if err := container.ValidateRestartPolicy(cfg.RestartPolicy); err != nil {
			return cfg, invalidArg("%v", err)
		}
	}

	if cfg.CPUShares == 0 && cfg.Memory == 0 && cfg.MemoryReservation == 0 && cfg.MemorySwap == 0 &&
		cfg.CpusetCpus == "" && cfg.CpusetMems == "" && o.RestartPolicy == nil {
		return cfg, invalidArg("nothing to update")
	}
	return cfg, nil
}

func memoryBytes(field, v string, allowUnlimited bool) (int64, error) {
	v = strings.TrimSpace(v)
	switch {
	case v == "":
		return 0, nil
	case v == "-1" && allowUnlimited:
		return -1, nil
	}
	n, err := units.RAMInBytes(v)
	if err != nil {
		return 0, invalidArg("%s: %v", field, err)
	}
	return n, nil
}

// UpdateContainer applies opts and returns any warnings from the engine.
func (d *Dispatcher) UpdateContainer(ctx context.Context, hostID, containerID string, opts UpdateOptions) ([]string, error) {
	cfg, err := opts.config()
	if err != nil {
		return nil, err
	}
	cli, err := d.client(hostID)
	if err != nil {
		return nil, err
	}
	resp, err := cli.ContainerUpdate(ctx, containerID, cfg)
	if err != nil {
		return nil, opError("update "+shortID(containerID), hostID, err)
	}
	log.Infof("[dispatch] %s: updated %s", hostID, shortID(containerID))
	if resp.Warnings == nil {
		return []string{}, nil
	}
	return resp.Warnings, nil
}
