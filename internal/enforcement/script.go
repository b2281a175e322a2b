package enforcement

import (
	"context"
	"path/filepath"
	"strconv"

	"go.opentelemetry.io/otel/attribute"

	"github.com/diycloud/usermgmt/internal/apperr"
	"github.com/diycloud/usermgmt/internal/extcall"
	"github.com/diycloud/usermgmt/internal/quota"
	"github.com/diycloud/usermgmt/internal/telemetry"
)

const (
	createUserScript  = "create_user.sh"
	applyLimitsScript = "apply_limits.sh"
)

// userdelNoSuchUser is userdel's exit status for a user that does not exist.
const userdelNoSuchUser = 6

// ScriptProvisioner drives the host through the provisioning shell scripts and userdel.
type ScriptProvisioner struct {
	runner     extcall.InputRunner
	scriptsDir string
	shell      string
	userdel    string
}

// NewScriptProvisioner creates a provisioner running scripts from scriptsDir.
func NewScriptProvisioner(runner extcall.InputRunner, scriptsDir string) *ScriptProvisioner {
	return &ScriptProvisioner{
		runner:     runner,
		scriptsDir: scriptsDir,
		shell:      "bash",
		userdel:    "userdel",
	}
}

// ProvisionAccount runs create_user.sh with the normalized limits. The
// password is written to the script's stdin, one line.
func (p *ScriptProvisioner) ProvisionAccount(ctx context.Context, account Account) error {
	args := []string{
		filepath.Join(p.scriptsDir, createUserScript),
		"--username", account.Username,
		"--password-stdin",
		"--email", account.Email,
		"--cpu", formatCPU(account.Limits.CPUCores),
		"--memory", strconv.FormatInt(account.Limits.MemMB, 10),
		"--disk", strconv.FormatInt(account.Limits.DiskMB, 10),
		"--role", account.Role,
	}
	if account.Limits.GPUAccess {
		args = append(args, "--gpu")
	}
	return p.run(ctx, "provision account", account.Password+"\n", p.shell, args...)
}

// ApplyQuota runs apply_limits.sh: username cpu memMB diskMB gpu.
func (p *ScriptProvisioner) ApplyQuota(ctx context.Context, username string, limits quota.Limits) error {
	return p.run(ctx, "apply quota", "", p.shell,
		filepath.Join(p.scriptsDir, applyLimitsScript),
		username,
		formatCPU(limits.CPUCores),
		strconv.FormatInt(limits.MemMB, 10),
		strconv.FormatInt(limits.DiskMB, 10),
		strconv.FormatBool(limits.GPUAccess),
	)
}

// RemoveAccount deletes the operating-system user and its home directory.
// A user that is already gone counts as removed.
func (p *ScriptProvisioner) RemoveAccount(ctx context.Context, username string, force bool) error {
	args := []string{"-r"}
	if force {
		args = append(args, "-f")
	}
	args = append(args, "--", username)
	return p.run(ctx, "remove account", "", p.userdel, args...)
}

func (p *ScriptProvisioner) run(ctx context.Context, op, stdin, name string, args ...string) error {
	ctx, span := telemetry.StartSpan(ctx, telemetry.TracerEnforcement, "enforcement."+op,
		attribute.String(telemetry.AttrCommand, name),
	)
	defer span.End()

	var (
		res extcall.Result
		err error
	)
	if stdin != "" {
		res, err = p.runner.RunWithInput(ctx, stdin, name, args...)
	} else {
		res, err = p.runner.Run(ctx, name, args...)
	}
	span.SetAttributes(attribute.Int(telemetry.AttrExitCode, res.ExitCode))
	if err != nil && name == p.userdel && res.ExitCode == userdelNoSuchUser {
		return nil
	}
	if err != nil {
		extErr := apperr.External(op, err, res.Diagnostic(err))
		telemetry.RecordError(span, extErr)
		return extErr
	}
	return nil
}

func formatCPU(cores float64) string {
	return strconv.FormatFloat(cores, 'f', -1, 64)
}
