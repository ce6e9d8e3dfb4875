package hostmon

import (
	"context"
	"fmt"

	"github.com/docker/docker/client"

	"audiobookd/internal/runner"
	"audiobookd/pkg/types"
)

type dockerPinger struct {
	cli client.APIClient
}

func (d dockerPinger) Ping(ctx context.Context) error {
	_, err := d.cli.Ping(ctx)
	return err
}

func (d dockerPinger) HasNvidiaRuntime(ctx context.Context) (bool, error) {
	info, err := d.cli.Info(ctx)
	if err != nil {
		return false, err
	}
	_, ok := info.Runtimes["nvidia"]
	return ok, nil
}

// DockerDialer returns the dial function the monitor uses: the local
// daemon for "docker:local", an ssh:// client with the host's own identity
// for everything else.
func DockerDialer(keys *KeyService) func(types.HostRecord) (Pinger, error) {
	return func(host types.HostRecord) (Pinger, error) {
		if host.ID == types.DockerLocalRunnerID {
			cli, err := runner.NewLocalDockerClient()
			if err != nil {
				return nil, err
			}
			return dockerPinger{cli: cli}, nil
		}
		cli, err := runner.NewSSHDockerClient(SSHURL(host), runner.SSHOptions{
			IdentityFile:   keys.PrivateKeyPath(host.ID),
			KnownHostsFile: keys.KnownHostsPath(),
		})
		if err != nil {
			return nil, err
		}
		return dockerPinger{cli: cli}, nil
	}
}

// SSHURL renders the ssh:// daemon address for a remote host record.
func SSHURL(host types.HostRecord) string {
	user := host.SSHUser
	if user == "" {
		user = "root"
	}
	port := host.SSHPort
	if port == 0 {
		port = 22
	}
	return fmt.Sprintf("ssh://%s@%s:%d", user, host.Address, port)
}
