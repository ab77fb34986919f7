package docker

import (
	"context"
	"fmt"

	"github.com/moby/moby/api/types/container"
	"github.com/moby/moby/api/types/image"
	"github.com/moby/moby/api/types/network"
	"github.com/moby/moby/api/types/volume"
	"github.com/moby/moby/client"
)

// ListImages returns every image known to the daemon (docker.images.list).
func (c *Client) ListImages(ctx context.Context) ([]image.Summary, error) {
	return c.api.ImageList(ctx, client.ImageListOptions{})
}

// ContainerHealth reports the fields the deployment orchestrator's health
// gate polls (§4.9.6): the container's running status, its Docker HEALTHCHECK
// status (empty/"none" if the image defines none), and the runtime's own
// restart counter.
func (c *Client) ContainerHealth(ctx context.Context, id string) (status, health string, restartCount int, err error) {
	inspect, err := c.InspectContainer(ctx, id)
	if err != nil {
		return "", "", 0, err
	}
	if inspect.State != nil {
		status = inspect.State.Status
		if inspect.State.Health != nil {
			health = inspect.State.Health.Status
		}
	}
	return status, health, inspect.RestartCount, nil
}

// UpdateContainerRestartPolicy applies a new restart policy to an existing
// container, used after the health gate passes to replace the temporary
// "no" policy set during startup (§4.9.5).
func (c *Client) UpdateContainerRestartPolicy(ctx context.Context, id, policyName string) error {
	_, err := c.api.ContainerUpdate(ctx, id, client.ContainerUpdateOptions{
		RestartPolicy: container.RestartPolicy{Name: container.RestartPolicyMode(policyName)},
	})
	return err
}

// ListVolumes returns every volume known to the daemon.
func (c *Client) ListVolumes(ctx context.Context) ([]volume.Volume, error) {
	resp, err := c.api.VolumeList(ctx, client.VolumeListOptions{})
	if err != nil {
		return nil, err
	}
	return resp.Volumes, nil
}

// CreateVolume creates a named volume with the given labels, used by
// docker.volumes.create and by the orchestrator when an app spec requests
// a named (not bind-mount) volume.
func (c *Client) CreateVolume(ctx context.Context, name string, labels map[string]string) (volume.Volume, error) {
	return c.api.VolumeCreate(ctx, client.VolumeCreateOptions{
		Name:   name,
		Labels: labels,
	})
}

// RemoveVolume deletes a named volume.
func (c *Client) RemoveVolume(ctx context.Context, name string, force bool) error {
	_, err := c.api.VolumeRemove(ctx, name, client.VolumeRemoveOptions{Force: force})
	return err
}

// PruneVolumes removes unused volumes matching labelFilter (e.g.
// "container=<name>", per §4.9.7's uninstall data-volume cleanup) and
// returns the count removed.
func (c *Client) PruneVolumes(ctx context.Context, labelFilter string) (int, error) {
	filters := make(client.Filters)
	if labelFilter != "" {
		filters = filters.Add("label", labelFilter)
	}
	report, err := c.api.VolumesPrune(ctx, client.VolumesPruneOptions{Filters: filters})
	if err != nil {
		return 0, err
	}
	return len(report.VolumesDeleted), nil
}

// ListNetworks returns every Docker network known to the daemon.
func (c *Client) ListNetworks(ctx context.Context) ([]network.Summary, error) {
	return c.api.NetworkList(ctx, client.NetworkListOptions{})
}

// CreateNetwork creates a network with the given driver (e.g. "bridge") and
// returns its ID.
func (c *Client) CreateNetwork(ctx context.Context, name, driver string) (string, error) {
	resp, err := c.api.NetworkCreate(ctx, name, client.NetworkCreateOptions{Driver: driver})
	if err != nil {
		return "", fmt.Errorf("create network %s: %w", name, err)
	}
	return resp.ID, nil
}

// RemoveNetwork deletes a network by ID or name.
func (c *Client) RemoveNetwork(ctx context.Context, id string) error {
	_, err := c.api.NetworkRemove(ctx, id)
	return err
}

// PruneImages removes dangling images and returns the count reclaimed.
func (c *Client) PruneImages(ctx context.Context) (int, error) {
	report, err := c.api.ImagesPrune(ctx, client.ImagesPruneOptions{})
	if err != nil {
		return 0, err
	}
	return len(report.ImagesDeleted), nil
}
