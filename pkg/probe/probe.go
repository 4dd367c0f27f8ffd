package probe

import (
	"fmt"
	"net"
	"os"
	"regexp"
	"sort"
	"strconv"
	"strings"

	"github.com/google/uuid"

	"github.com/ochopod/pod-agent/pkg/types"
)

const defaultNamespace = "marathon"

// Env is the subset of the process environment the probe reads. Tests
// supply a map; production code passes OSEnv().
type Env map[string]string

// OSEnv snapshots the real process environment.
func OSEnv() Env {
	out := make(Env)
	for _, kv := range os.Environ() {
		if i := strings.IndexByte(kv, '='); i >= 0 {
			out[kv[:i]] = kv[i+1:]
		}
	}
	return out
}

// portVar matches the orchestrator's exposed→remapped port convention:
// ochopod_port_<container-port>=<host-port>.
var portVar = regexp.MustCompile(`^ochopod_port_(\d+)$`)

// Result is the descriptor skeleton produced by one probe invocation, plus
// the three binding-only settings (§4.2) that never travel in the JSON
// payload: whether the pod should auto-start, the debug toggle, and the
// ochopod_zk override.
type Result struct {
	Descriptor *types.PodDescriptor
	AutoStart  bool
	Debug      bool
	ZKConnect  string // ochopod_zk override, empty = auto-discovery
}

// Probe performs the one-shot environment read described in §4.2. It never
// blocks on the network beyond resolving local interface addresses.
func Probe(env Env) (*Result, error) {
	cluster, ok := env["ochopod_cluster"]
	if !ok || cluster == "" {
		return nil, fmt.Errorf("probe: required environment variable ochopod_cluster is not set")
	}

	namespace := env["ochopod_namespace"]
	if namespace == "" {
		namespace = defaultNamespace
	}

	application := env["ochopod_application"]
	if application == "" {
		application = env["MESOS_TASK_ID"]
	}
	if application == "" {
		application = cluster
	}

	node, err := os.Hostname()
	if err != nil {
		return nil, fmt.Errorf("probe: resolve hostname: %w", err)
	}

	task := env["MESOS_TASK_ID"]
	if task == "" {
		task = node
	}

	ip, err := resolveIP(env)
	if err != nil {
		return nil, fmt.Errorf("probe: resolve ip: %w", err)
	}

	public := env["ochopod_public"]
	if public == "" {
		public = ip
	}

	ports, controlPort, err := parsePorts(env)
	if err != nil {
		return nil, err
	}

	autoStart := true
	if v, ok := env["ochopod_start"]; ok {
		autoStart, err = strconv.ParseBool(v)
		if err != nil {
			return nil, fmt.Errorf("probe: invalid ochopod_start %q: %w", v, err)
		}
	}

	debug := false
	if v, ok := env["ochopod_debug"]; ok {
		debug, _ = strconv.ParseBool(v)
	}

	d := &types.PodDescriptor{
		Node:        node,
		Task:        task,
		IP:          ip,
		Public:      public,
		Ports:       ports,
		Port:        controlPort,
		Application: application,
		Cluster:     namespace + "." + cluster,
		Process:     types.ProcessStopped,
		State:       types.RoleFollower,
		UUID:        uuid.NewString(),
	}

	return &Result{
		Descriptor: d,
		AutoStart:  autoStart,
		Debug:      debug,
		ZKConnect:  env["ochopod_zk"],
	}, nil
}

// parsePorts collects every ochopod_port_<container-port> variable into the
// descriptor's port map and identifies the control port: the lowest
// container port if ochopod_control_port is unset.
func parsePorts(env Env) (map[string]int, string, error) {
	ports := make(map[string]int)
	var containerPorts []int

	for k, v := range env {
		m := portVar.FindStringSubmatch(k)
		if m == nil {
			continue
		}
		hostPort, err := strconv.Atoi(v)
		if err != nil {
			return nil, "", fmt.Errorf("probe: invalid host port in %s=%s: %w", k, v, err)
		}
		ports[m[1]] = hostPort
		cp, _ := strconv.Atoi(m[1])
		containerPorts = append(containerPorts, cp)
	}

	if len(ports) == 0 {
		return nil, "", fmt.Errorf("probe: no ochopod_port_* variables found, pod must expose at least the control port")
	}

	controlPort := env["ochopod_control_port"]
	if controlPort == "" {
		sort.Ints(containerPorts)
		controlPort = strconv.Itoa(containerPorts[0])
	}
	if _, ok := ports[controlPort]; !ok {
		return nil, "", fmt.Errorf("probe: control port %s has no corresponding ochopod_port_%s variable", controlPort, controlPort)
	}

	return ports, controlPort, nil
}

// resolveIP honors an explicit override, else picks the first non-loopback
// IPv4 address on the host (the container's internal address).
func resolveIP(env Env) (string, error) {
	if v := env["ochopod_ip"]; v != "" {
		return v, nil
	}

	addrs, err := net.InterfaceAddrs()
	if err != nil {
		return "", err
	}
	for _, a := range addrs {
		ipNet, ok := a.(*net.IPNet)
		if !ok || ipNet.IP.IsLoopback() {
			continue
		}
		if v4 := ipNet.IP.To4(); v4 != nil {
			return v4.String(), nil
		}
	}
	return "", fmt.Errorf("no non-loopback IPv4 address found")
}
