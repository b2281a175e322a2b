package enforcement

import (
	"context"
	"errors"
	"testing"

	"github.com/diycloud/usermgmt/internal/apperr"
	"github.com/diycloud/usermgmt/internal/extcall"
	"github.com/diycloud/usermgmt/internal/quota"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type recordedCall struct {
	name  string
	args  []string
	stdin string
}

type fakeRunner struct {
	calls  []recordedCall
	result extcall.Result
	err    error
}

func (f *fakeRunner) Run(ctx context.Context, name string, args ...string) (extcall.Result, error) {
	return f.RunWithInput(ctx, "", name, args...)
}

func (f *fakeRunner) RunWithInput(_ context.Context, stdin, name string, args ...string) (extcall.Result, error) {
	f.calls = append(f.calls, recordedCall{name: name, args: args, stdin: stdin})
	return f.result, f.err
}

func TestScriptProvisioner_ProvisionAccount(t *testing.T) {
	runner := &fakeRunner{}
	p := NewScriptProvisioner(runner, "/opt/scripts")

	err := p.ProvisionAccount(context.Background(), Account{
		Username: "alice",
		Password: "s3cret pw",
		Email:    "alice@example.com",
		Role:     "user",
		Limits:   quota.Limits{CPUCores: 1.5, MemMB: 2048, DiskMB: 5120, GPUAccess: true},
	})
	require.NoError(t, err)
	require.Len(t, runner.calls, 1)

	assert.Equal(t, "bash", runner.calls[0].name)
	assert.Equal(t, []string{
		"/opt/scripts/create_user.sh",
		"--username", "alice",
		"--password-stdin",
		"--email", "alice@example.com",
		"--cpu", "1.5",
		"--memory", "2048",
		"--disk", "5120",
		"--role", "user",
		"--gpu",
	}, runner.calls[0].args)
	assert.Equal(t, "s3cret pw\n", runner.calls[0].stdin)
	assert.NotContains(t, runner.calls[0].args, "s3cret pw")
}

func TestScriptProvisioner_ApplyQuota(t *testing.T) {
	runner := &fakeRunner{}
	p := NewScriptProvisioner(runner, "/opt/scripts")

	require.NoError(t, p.ApplyQuota(context.Background(), "bob", quota.Limits{CPUCores: 2, MemMB: 512, DiskMB: 1024}))
	assert.Equal(t, []string{"/opt/scripts/apply_limits.sh", "bob", "2", "512", "1024", "false"}, runner.calls[0].args)
}

func TestScriptProvisioner_RemoveAccount(t *testing.T) {
	runner := &fakeRunner{}
	p := NewScriptProvisioner(runner, "/opt/scripts")

	require.NoError(t, p.RemoveAccount(context.Background(), "bob", true))
	assert.Equal(t, "userdel", runner.calls[0].name)
	assert.Equal(t, []string{"-r", "-f", "--", "bob"}, runner.calls[0].args)
}

func TestScriptProvisioner_FailureCarriesDiagnostic(t *testing.T) {
	runner := &fakeRunner{
		result: extcall.Result{Stderr: "useradd: user 'alice' already exists", ExitCode: 9},
		err:    errors.New("exit status 9"),
	}
	p := NewScriptProvisioner(runner, "/opt/scripts")

	err := p.ProvisionAccount(context.Background(), Account{Username: "alice", Limits: quota.Limits{CPUCores: 1}})
	require.Error(t, err)
	assert.ErrorIs(t, err, apperr.ErrExternalEnforcement)
	assert.Equal(t, "useradd: user 'alice' already exists", apperr.DiagnosticOf(err))
}

func TestScriptProvisioner_RemoveAccountAlreadyGone(t *testing.T) {
	runner := &fakeRunner{
		result: extcall.Result{Stderr: "userdel: user 'ghost' does not exist", ExitCode: 6},
		err:    errors.New("exit status 6"),
	}
	p := NewScriptProvisioner(runner, "/opt/scripts")

	require.NoError(t, p.RemoveAccount(context.Background(), "ghost", true))
}

func TestScriptProvisioner_RemoveAccountOtherFailure(t *testing.T) {
	runner := &fakeRunner{
		result: extcall.Result{Stderr: "userdel: user bob is currently used by process 42", ExitCode: 8},
		err:    errors.New("exit status 8"),
	}
	p := NewScriptProvisioner(runner, "/opt/scripts")

	err := p.RemoveAccount(context.Background(), "bob", true)
	assert.ErrorIs(t, err, apperr.ErrExternalEnforcement)
	assert.Equal(t, "userdel: user bob is currently used by process 42", apperr.DiagnosticOf(err))
}
