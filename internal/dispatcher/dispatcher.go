// Package dispatcher routes a declared action token to one of the four
// execution strategies available for services bound to a ConfigEntry:
// systemctl (direct or unit-control), a script runner, or postmulti. It is
// the one component that talks to internal/executor, and it never invents
// a shell: every invocation is an argv vector run via exec.CommandContext
// with no shell in between.
package dispatcher

import (
	"context"
	"regexp"
	"strings"
	"time"

	"confguard/internal/executor"
	"confguard/internal/httpfault"
	"confguard/internal/model"
)

const (
	defaultTimeout = 30 * time.Second
	captureTimeout = 10 * time.Second
	settleTime     = 600 * time.Millisecond
)

var (
	extraArgPattern = regexp.MustCompile(`^[A-Za-z0-9._:+@/=,-]+$`)
	runnerPattern   = regexp.MustCompile(`^(bash|sh|perl|exec):(/.+)$`)

	postmultiRunning = regexp.MustCompile(`(?i)is running|pid:\s*\d+|:\s*(the postfix mail system is )?running`)
	postmultiStopped = regexp.MustCompile(`(?i)not running|inactive|stopped`)
)

var forbiddenSystemctlSubcommands = map[string]bool{
	"poweroff": true, "reboot": true, "halt": true,
}

// Dispatcher routes and runs actions against ConfigEntry services.
type Dispatcher struct {
	SystemctlArgv []string

	DefaultTimeout time.Duration
	CaptureTimeout time.Duration
	SettleTime     time.Duration
}

// New builds a Dispatcher with the default timeouts and settle time.
func New(systemctlArgv []string) *Dispatcher {
	return &Dispatcher{
		SystemctlArgv:  systemctlArgv,
		DefaultTimeout: defaultTimeout,
		CaptureTimeout: captureTimeout,
		SettleTime:     settleTime,
	}
}

// Dispatch runs action against entry and returns the JSON-ready response
// body alongside its HTTP status. All expected failure modes are reported
// through the return value, not an error — the caller writes exactly what
// is returned.
func (d *Dispatcher) Dispatch(ctx context.Context, entry *model.ConfigEntry, action string) (int, map[string]any) {
	args, known := entry.Actions[action]
	if !known {
		return fault(httpfault.ActionPolicyf("unknown action %q", action))
	}
	for _, a := range args {
		if !extraArgPattern.MatchString(a) {
			return fault(httpfault.ActionPolicyf("argument %q fails the syntactic whitelist", a))
		}
	}

	switch {
	case entry.Service == "exec:/usr/sbin/postmulti":
		return d.postmulti(ctx, entry, action, args)
	case action == "daemon-reload":
		return d.systemctlDirect(ctx, "daemon-reload", nil)
	case runnerPattern.MatchString(entry.Service):
		return d.scriptRunner(ctx, entry, action, args)
	case entry.Service == "systemctl":
		if forbiddenSystemctlSubcommands[action] {
			return fault(httpfault.ActionPolicyf("action %q is forbidden", action))
		}
		return d.systemctlDirect(ctx, action, args)
	default:
		return d.unitControl(ctx, entry.Service, action, args)
	}
}

func fault(err *httpfault.Error) (int, map[string]any) {
	return err.Status, map[string]any{"ok": false, "error": err.Message}
}

func (d *Dispatcher) systemctlArgv(sub string, extra []string) []string {
	argv := append(append([]string{}, d.SystemctlArgv...), sub)
	return append(argv, extra...)
}

func (d *Dispatcher) systemctlDirect(ctx context.Context, sub string, extra []string) (int, map[string]any) {
	rc := <-executor.RunRC(ctx, d.DefaultTimeout, d.systemctlArgv(sub, extra)...)
	return 200, map[string]any{"ok": rc == 0, "action": sub, "rc": rc}
}

func (d *Dispatcher) isActive(ctx context.Context, svc string) int {
	return <-executor.RunRC(ctx, d.DefaultTimeout, d.systemctlArgv("is-active", []string{svc})...)
}

// verify issues the post-action is-active check common to stop_start,
// restart, reload, start, and stop. The stop case's success condition is
// inverted — preserved deliberately, not symmetric with the other tokens.
func (d *Dispatcher) verify(ctx context.Context, svc, action string, rc int) (int, map[string]any) {
	running := d.isActive(ctx, svc) == 0
	status := "stopped"
	if running {
		status = "running"
	}
	ok := running
	if action == "stop" {
		ok = !running
	}
	return 200, map[string]any{"ok": ok, "action": action, "status": status, "rc": rc}
}

func (d *Dispatcher) unitControl(ctx context.Context, svc, action string, args []string) (int, map[string]any) {
	switch action {
	case "stop_start":
		<-executor.RunRC(ctx, d.DefaultTimeout, d.systemctlArgv("stop", []string{svc})...)
		rc := <-executor.RunRC(ctx, d.DefaultTimeout, d.systemctlArgv("start", []string{svc})...)
		return d.verify(ctx, svc, action, rc)
	case "restart":
		rc := <-executor.RunRC(ctx, d.DefaultTimeout, d.systemctlArgv("restart", []string{svc})...)
		return d.verify(ctx, svc, action, rc)
	case "reload":
		if d.isActive(ctx, svc) != 0 {
			return fault(httpfault.Transientf("service not active"))
		}
		rc := <-executor.RunRC(ctx, d.DefaultTimeout, d.systemctlArgv("reload", []string{svc})...)
		return d.verify(ctx, svc, action, rc)
	case "start", "stop":
		rc := <-executor.RunRC(ctx, d.DefaultTimeout, d.systemctlArgv(action, []string{svc})...)
		return d.verify(ctx, svc, action, rc)
	default:
		if len(args) != 0 {
			return fault(httpfault.ActionPolicyf("action %q takes no declared extra arguments", action))
		}
		rc := <-executor.RunRC(ctx, d.DefaultTimeout, d.systemctlArgv(action, []string{svc})...)
		return 200, map[string]any{"ok": rc == 0, "action": action, "rc": rc}
	}
}

func (d *Dispatcher) scriptRunner(ctx context.Context, entry *model.ConfigEntry, action string, args []string) (int, map[string]any) {
	match := runnerPattern.FindStringSubmatch(entry.Service)
	runner, path := match[1], match[2]

	var prefix []string
	switch runner {
	case "perl":
		prefix = []string{"/usr/bin/perl", path}
	case "bash":
		prefix = []string{"/bin/bash", path}
	case "sh":
		prefix = []string{"/bin/sh", path}
	case "exec":
		prefix = []string{path}
		if strings.HasSuffix(path, "/systemctl") && len(args) > 0 && forbiddenSystemctlSubcommands[args[0]] {
			return fault(httpfault.ActionPolicyf("action %q is forbidden", args[0]))
		}
	}

	argv := append(append([]string{}, prefix...), args...)
	res := <-executor.Capture(ctx, d.CaptureTimeout, argv...)

	if len(args) > 0 && args[0] == "is-active" {
		status := "stopped"
		if res.RC == 0 {
			status = "running"
		}
		return 200, map[string]any{"ok": true, "action": action, "status": status, "rc": res.RC, "output": res.Out}
	}
	return 200, map[string]any{"ok": res.RC == 0, "action": action, "rc": res.RC, "output": res.Out}
}

func (d *Dispatcher) postmulti(ctx context.Context, entry *model.ConfigEntry, action string, args []string) (int, map[string]any) {
	const bin = "/usr/sbin/postmulti"

	primary := <-executor.Capture(ctx, d.CaptureTimeout, append([]string{bin}, args...)...)

	switch action {
	case "stop", "start", "reload", "restart":
		time.Sleep(d.SettleTime)
	}

	statusArgs := entry.StatusArgs
	if len(statusArgs) == 0 {
		statusArgs = []string{"-i", entry.Name, "-p", "status"}
	}
	statusRes := <-executor.Capture(ctx, d.CaptureTimeout, append([]string{bin}, statusArgs...)...)

	state := classifyPostmultiStatus(statusRes.Out, statusRes.RC)

	ok := state == "running"
	switch action {
	case "stop":
		ok = state == "stopped"
	case "status":
		ok = true
	}

	return 200, map[string]any{
		"ok":     ok,
		"action": action,
		"status": state,
		"state":  state,
		"rc":     primary.RC,
		"output": primary.Out,
	}
}

func classifyPostmultiStatus(output string, rc int) string {
	if postmultiRunning.MatchString(output) {
		return "running"
	}
	if postmultiStopped.MatchString(output) {
		return "stopped"
	}
	switch rc {
	case 0:
		return "running"
	case 1:
		return "stopped"
	default:
		return "unknown"
	}
}
