// log-streamer follows the logs of every docker-compose service and prints
// them in one colored stream.
package main

import (
	"bufio"
	"context"
	"flag"
	"fmt"
	"io"
	"log"
	"os"
	"os/signal"
	"sort"
	"strings"
	"sync"
	"syscall"

	containerTypes "github.com/docker/docker/api/types/container"
	"github.com/docker/docker/client"
	"github.com/docker/docker/pkg/stdcopy"
	"github.com/fatih/color"
	"gopkg.in/yaml.v3"
)

var colorPalette = []*color.Color{
	color.New(color.FgCyan),
	color.New(color.FgGreen),
	color.New(color.FgYellow),
	color.New(color.FgBlue),
	color.New(color.FgMagenta),
}

// ComposeConfig is the part of docker-compose.yml the streamer needs.
type ComposeConfig struct {
	Services map[string]any `yaml:"services"`
}

func main() {
	composePath := flag.String("compose", "docker-compose.yml", "Path to docker-compose.yml")
	only := flag.String("services", "", "Comma-separated services to follow (default all)")
	correlation := flag.String("correlation", "", "Only show lines for this correlation_id")
	tail := flag.String("tail", "50", "Lines of history per service")
	flag.Parse()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	cli, err := client.NewClientWithOpts(client.FromEnv, client.WithAPIVersionNegotiation())
	if err != nil {
		log.Fatalf("Failed to create Docker client: %v", err)
	}
	defer func() {
		if err := cli.Close(); err != nil {
			log.Printf("Error closing Docker client: %v", err)
		}
	}()

	services, err := loadServices(*composePath, *only)
	if err != nil {
		log.Fatalf("Failed to read services: %v", err)
	}

	f := filter{correlationID: *correlation}
	var out sync.Mutex
	var wg sync.WaitGroup
	log.Printf("Following %d services...", len(services))
	for i, name := range services {
		wg.Add(1)
		go func(name string, c *color.Color) {
			defer wg.Done()
			streamServiceLogs(ctx, cli, name, *tail, func(line string) {
				text, ok := f.format(line)
				if !ok {
					return
				}
				out.Lock()
				defer out.Unlock()
				fmt.Printf("%-28s %s\n", c.Sprintf("[%s]", name), text)
			})
		}(name, colorPalette[i%len(colorPalette)])
	}

	wg.Wait()
	log.Println("All log streams finished.")
}

// loadServices returns the compose service names in a stable order, limited to
// only when it is set.
func loadServices(path, only string) ([]string, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	var cfg ComposeConfig
	if err := yaml.Unmarshal(raw, &cfg); err != nil {
		return nil, fmt.Errorf("failed to parse %s: %w", path, err)
	}

	wanted := make(map[string]bool)
	for _, s := range strings.Split(only, ",") {
		if s = strings.TrimSpace(s); s != "" {
			wanted[s] = true
		}
	}
	var names []string
	for name := range cfg.Services {
		if len(wanted) == 0 || wanted[name] {
			names = append(names, name)
		}
	}
	sort.Strings(names)
	if len(names) == 0 {
		return nil, fmt.Errorf("no matching services in %s", path)
	}
	return names, nil
}

func streamServiceLogs(ctx context.Context, cli *client.Client, serviceName, tail string, emit func(string)) {
	containers, err := cli.ContainerList(ctx, containerTypes.ListOptions{})
	if err != nil {
		log.Printf("Error listing containers for %s: %v", serviceName, err)
		return
	}

	var containerID string
	var tty bool
	for _, cont := range containers {
		if cont.Labels["com.docker.compose.service"] == serviceName {
			containerID = cont.ID
			break
		}
	}
	if containerID == "" {
		log.Printf("Container for service %s not found.", serviceName)
		return
	}
	if info, err := cli.ContainerInspect(ctx, containerID); err == nil && info.Config != nil {
		tty = info.Config.Tty
	}

	logReader, err := cli.ContainerLogs(ctx, containerID, containerTypes.LogsOptions{
		ShowStdout: true,
		ShowStderr: true,
		Follow:     true,
		Tail:       tail,
	})
	if err != nil {
		log.Printf("Error getting logs for %s: %v", serviceName, err)
		return
	}
	defer func() {
		if err := logReader.Close(); err != nil {
			log.Printf("Error closing log reader for %s: %v", serviceName, err)
		}
	}()

	// Non-TTY containers multiplex stdout and stderr into one framed stream.
	var src io.Reader = logReader
	if !tty {
		pr, pw := io.Pipe()
		go func() {
			_, err := stdcopy.StdCopy(pw, pw, logReader)
			pw.CloseWithError(err)
		}()
		src = pr
	}

	scanner := bufio.NewScanner(src)
	scanner.Buffer(make([]byte, 64*1024), 1024*1024)
	for scanner.Scan() {
		emit(scanner.Text())
	}
}
