// Package docker implements the orchestrator platform on a pool of Docker
// daemons. Each daemon is a cluster node; executions run as single
// containers named after their execution id.
package docker

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"strconv"

	cerrdefs "github.com/containerd/errdefs"
	"github.com/docker/docker/api/types"
	"github.com/docker/docker/api/types/container"
	"github.com/docker/docker/api/types/filters"
	"github.com/docker/docker/api/types/image"
	"github.com/docker/docker/api/types/network"
	"github.com/docker/docker/api/types/system"
	"github.com/docker/docker/client"
	ocispec "github.com/opencontainers/image-spec/specs-go/v1"
	"golang.org/x/sync/errgroup"

	"executor/internal/orchestrator"
)

// apiClient is the subset of the Docker client the platform uses.
type apiClient interface {
	ContainerCreate(ctx context.Context, config *container.Config, hostConfig *container.HostConfig, networkingConfig *network.NetworkingConfig, platform *ocispec.Platform, containerName string) (container.CreateResponse, error)
	ContainerStart(ctx context.Context, containerID string, options container.StartOptions) error
	ContainerInspect(ctx context.Context, containerID string) (container.InspectResponse, error)
	ContainerList(ctx context.Context, options container.ListOptions) ([]container.Summary, error)
	ContainerRemove(ctx context.Context, containerID string, options container.RemoveOptions) error
	ContainerStop(ctx context.Context, containerID string, options container.StopOptions) error
	ContainerStatsOneShot(ctx context.Context, containerID string) (container.StatsResponseReader, error)
	ImageInspect(ctx context.Context, imageID string, inspectOpts ...client.ImageInspectOption) (image.InspectResponse, error)
	ImagePull(ctx context.Context, ref string, options image.PullOptions) (io.ReadCloser, error)
	Info(ctx context.Context) (system.Info, error)
	Ping(ctx context.Context) (types.Ping, error)
	Close() error
}

type node struct {
	id     string
	client apiClient
}

// Platform implements orchestrator.Platform and orchestrator.Inventory.
type Platform struct {
	nodes  []node
	byID   map[string]node
	config Config
	logger *slog.Logger
}

// New connects to every configured daemon. Connections are lazy: an
// unreachable daemon does not fail construction.
func New(cfg Config) (*Platform, error) {
	cfg = cfg.withDefaults()
	nodes := make([]node, 0, len(cfg.Hosts))
	for _, h := range cfg.Hosts {
		opts := []client.Opt{client.FromEnv, client.WithAPIVersionNegotiation()}
		if h.URL != "" {
			opts = append(opts, client.WithHost(h.URL))
		}
		c, err := client.NewClientWithOpts(opts...)
		if err != nil {
			for _, n := range nodes {
				n.client.Close()
			}
			return nil, fmt.Errorf("failed to create docker client for %s: %w", h.Name, err)
		}
		nodes = append(nodes, node{id: h.Name, client: c})
	}
	return newPlatform(cfg, nodes), nil
}

func newPlatform(cfg Config, nodes []node) *Platform {
	p := &Platform{
		nodes:  nodes,
		byID:   make(map[string]node, len(nodes)),
		config: cfg,
		logger: slog.With("component", "docker"),
	}
	for _, n := range nodes {
		p.byID[n.id] = n
	}
	return p
}

// Create places the container on the node running the fewest managed
// containers, pulls the image if needed, and starts it. A container left
// by an earlier attempt under the same name is reused.
func (p *Platform) Create(ctx context.Context, req orchestrator.CreateRequest) (string, error) {
	n, err := p.place(ctx)
	if err != nil {
		return "", err
	}
	r := ref(n.id, req.Name)
	logger := p.logger.With("executionId", req.ExecutionID, "containerRef", r)

	if p.config.PullImages {
		if err := p.pullImageIfNeeded(ctx, n, req.Spec.Image); err != nil {
			return r, classify("docker.pull", err)
		}
	}

	_, err = n.client.ContainerCreate(ctx, p.containerConfig(req), p.hostConfig(req), p.networkingConfig(), nil, req.Name)
	switch {
	case err == nil:
	case cerrdefs.IsConflict(err):
		logger.Info("Reusing container from earlier attempt")
	default:
		return r, classify("docker.create", err)
	}

	if err := n.client.ContainerStart(ctx, req.Name, container.StartOptions{}); err != nil {
		// Do not leave a created but never started container behind.
		if rerr := n.client.ContainerRemove(context.WithoutCancel(ctx), req.Name, container.RemoveOptions{Force: true}); rerr != nil && !cerrdefs.IsNotFound(rerr) {
			logger.Warn("Failed to remove unstarted container", "error", rerr)
		}
		return r, classify("docker.start", err)
	}

	logger.Debug("Container started", "node", n.id)
	return r, nil
}

// Inspect reads a container's state. Running containers also get a
// one-shot resource reading; a failed reading is not an error.
func (p *Platform) Inspect(ctx context.Context, r string) (orchestrator.RuntimeStatus, error) {
	n, name, err := p.resolve(r)
	if err != nil {
		return orchestrator.RuntimeStatus{}, err
	}

	inspect, err := n.client.ContainerInspect(ctx, name)
	if err != nil {
		if cerrdefs.IsNotFound(err) {
			return orchestrator.RuntimeStatus{Phase: orchestrator.PhaseMissing}, nil
		}
		return orchestrator.RuntimeStatus{}, classify("docker.inspect", err)
	}
	if inspect.ContainerJSONBase == nil {
		return orchestrator.RuntimeStatus{Phase: orchestrator.PhaseMissing}, nil
	}

	status := runtimeStatus(inspect.State)
	if status.Phase == orchestrator.PhaseRunning {
		if usage, err := p.usage(ctx, n, name); err == nil {
			status.Usage = usage
		} else {
			p.logger.Debug("Failed to read container stats", "containerRef", r, "error", err)
		}
	}
	return status, nil
}

// Remove force-removes a container and its anonymous volumes.
func (p *Platform) Remove(ctx context.Context, r string) error {
	n, name, err := p.resolve(r)
	if err != nil {
		return err
	}

	timeout := int(p.config.StopTimeout.Seconds())
	if err := n.client.ContainerStop(ctx, name, container.StopOptions{Timeout: &timeout}); err != nil && !cerrdefs.IsNotFound(err) {
		p.logger.Debug("Graceful stop failed, forcing removal", "containerRef", r, "error", err)
	}
	err = n.client.ContainerRemove(ctx, name, container.RemoveOptions{Force: true, RemoveVolumes: true})
	if err != nil && !cerrdefs.IsNotFound(err) {
		return classify("docker.remove", err)
	}
	return nil
}

// Ready succeeds when at least one daemon answers a ping.
func (p *Platform) Ready(ctx context.Context) error {
	var errs []error
	for _, n := range p.nodes {
		if _, err := n.client.Ping(ctx); err != nil {
			errs = append(errs, fmt.Errorf("%s: %w", n.id, err))
			continue
		}
		return nil
	}
	return errors.Join(errs...)
}

// Nodes reads every daemon's capacity with one Info call each. Daemons
// that do not answer are reported not ready; the call only fails when
// none answer.
func (p *Platform) Nodes(ctx context.Context) ([]orchestrator.Node, error) {
	out := make([]orchestrator.Node, len(p.nodes))
	failures := make([]error, len(p.nodes))

	var g errgroup.Group
	for i, n := range p.nodes {
		g.Go(func() error {
			info, err := n.client.Info(ctx)
			if err != nil {
				out[i] = orchestrator.Node{ID: n.id, Name: n.id, Error: err.Error()}
				failures[i] = classify("docker.info", err)
				return nil
			}
			out[i] = orchestrator.Node{
				ID:          n.id,
				Name:        info.Name,
				Ready:       true,
				CPUs:        info.NCPU,
				MemoryBytes: info.MemTotal,
			}
			return nil
		})
	}
	_ = g.Wait()

	if err := allFailed(failures); err != nil {
		return nil, err
	}
	return out, nil
}

// Tasks lists managed containers on every daemon with one labelled
// ContainerList call each. Unreachable daemons contribute nothing; the
// call only fails when none answer.
func (p *Platform) Tasks(ctx context.Context) ([]orchestrator.Task, error) {
	perNode := make([][]orchestrator.Task, len(p.nodes))
	failures := make([]error, len(p.nodes))

	var g errgroup.Group
	for i, n := range p.nodes {
		g.Go(func() error {
			containers, err := n.client.ContainerList(ctx, container.ListOptions{
				All:     true,
				Filters: filters.NewArgs(filters.Arg("label", labelManagedBy+"="+managedBy)),
			})
			if err != nil {
				failures[i] = classify("docker.list", err)
				return nil
			}
			tasks := make([]orchestrator.Task, 0, len(containers))
			for j := range containers {
				tasks = append(tasks, taskOf(n.id, &containers[j]))
			}
			perNode[i] = tasks
			return nil
		})
	}
	_ = g.Wait()

	if err := allFailed(failures); err != nil {
		return nil, err
	}
	var out []orchestrator.Task
	for _, tasks := range perNode {
		out = append(out, tasks...)
	}
	return out, nil
}

// Close closes every daemon connection.
func (p *Platform) Close() error {
	var errs []error
	for _, n := range p.nodes {
		if err := n.client.Close(); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// place picks the reachable node with the fewest running managed
// containers. Ties go to the node listed first.
func (p *Platform) place(ctx context.Context) (node, error) {
	counts := make([]int, len(p.nodes))
	failures := make([]error, len(p.nodes))

	var g errgroup.Group
	for i, n := range p.nodes {
		g.Go(func() error {
			containers, err := n.client.ContainerList(ctx, container.ListOptions{
				Filters: filters.NewArgs(
					filters.Arg("label", labelManagedBy+"="+managedBy),
					filters.Arg("status", "running"),
				),
			})
			if err != nil {
				failures[i] = classify("docker.list", err)
				return nil
			}
			counts[i] = len(containers)
			return nil
		})
	}
	_ = g.Wait()

	best := -1
	for i := range p.nodes {
		if failures[i] != nil {
			p.logger.Warn("Node unavailable for placement", "node", p.nodes[i].id, "error", failures[i])
			continue
		}
		if best < 0 || counts[i] < counts[best] {
			best = i
		}
	}
	if best < 0 {
		return node{}, orchestrator.Transient(fmt.Errorf("no docker node reachable: %w", errors.Join(failures...)))
	}
	return p.nodes[best], nil
}

func (p *Platform) resolve(r string) (node, string, error) {
	nodeID, name, err := parseRef(r)
	if err != nil {
		return node{}, "", err
	}
	n, ok := p.byID[nodeID]
	if !ok {
		return node{}, "", orchestrator.Rejected(fmt.Errorf("unknown docker node %q", nodeID))
	}
	return n, name, nil
}

func (p *Platform) containerConfig(req orchestrator.CreateRequest) *container.Config {
	env := make([]string, 0, len(req.Spec.Environment))
	for k, v := range req.Spec.Environment {
		env = append(env, fmt.Sprintf("%s=%s", k, v))
	}

	var cmd []string
	if req.Spec.Command != "" {
		cmd = []string{"/bin/sh", "-c", req.Spec.Command}
	}

	return &container.Config{
		Image: req.Spec.Image,
		Cmd:   cmd,
		Env:   env,
		Labels: map[string]string{
			labelManagedBy: managedBy,
			labelExecution: req.ExecutionID,
			labelOwner:     req.OwnerRef,
			labelCPU:       strconv.FormatFloat(req.Spec.CPU, 'f', -1, 64),
			labelMemory:    strconv.Itoa(req.Spec.Memory),
		},
	}
}

func (p *Platform) hostConfig(req orchestrator.CreateRequest) *container.HostConfig {
	return &container.HostConfig{
		ExtraHosts: p.config.ExtraHosts,
		Resources: container.Resources{
			NanoCPUs: int64(req.Spec.CPU * 1e9),
			Memory:   int64(req.Spec.Memory) * 1024 * 1024,
		},
	}
}

func (p *Platform) networkingConfig() *network.NetworkingConfig {
	if p.config.Network == "" {
		return nil
	}
	return &network.NetworkingConfig{
		EndpointsConfig: map[string]*network.EndpointSettings{p.config.Network: {}},
	}
}

func (p *Platform) pullImageIfNeeded(ctx context.Context, n node, imageName string) error {
	_, err := n.client.ImageInspect(ctx, imageName)
	if err == nil {
		return nil
	}

	reader, err := n.client.ImagePull(ctx, imageName, image.PullOptions{})
	if err != nil {
		return err
	}
	defer reader.Close()

	_, err = io.Copy(io.Discard, reader)
	return err
}

func (p *Platform) usage(ctx context.Context, n node, name string) (orchestrator.Usage, error) {
	resp, err := n.client.ContainerStatsOneShot(ctx, name)
	if err != nil {
		return orchestrator.Usage{}, err
	}
	defer resp.Body.Close()

	var stats container.StatsResponse
	if err := json.NewDecoder(resp.Body).Decode(&stats); err != nil {
		return orchestrator.Usage{}, err
	}
	return usageOf(&stats), nil
}

// allFailed returns a combined error when every entry is non-nil.
func allFailed(failures []error) error {
	for _, err := range failures {
		if err == nil {
			return nil
		}
	}
	return errors.Join(failures...)
}

var (
	_ orchestrator.Platform  = (*Platform)(nil)
	_ orchestrator.Inventory = (*Platform)(nil)
)
