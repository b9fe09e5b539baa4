package main

import (
	"context"
	"errors"
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"

	"github.com/itskum47/AutoPatch/protocol"
)

func TestExecuteDispatch(t *testing.T) {
	tests := []struct {
		name       string
		pm         string
		jobType    protocol.JobType
		commands   []string
		results    map[string]result
		wantCode   int
		wantStdout string
		wantStderr string
		wantCalls  []string
	}{
		{
			name:       "scan",
			pm:         pmApt,
			jobType:    protocol.JobScanNow,
			wantStdout: "Scan complete",
		},
		{
			name:       "report only",
			pm:         pmUnknown,
			jobType:    protocol.JobReportOnly,
			wantStdout: "Scan complete",
		},
		{
			name:    "apt patches",
			pm:      pmApt,
			jobType: protocol.JobApplyPatches,
			results: map[string]result{
				"apt-get update":     {stdout: "updated\n"},
				"apt-get -y upgrade": {stdout: "upgraded\n"},
			},
			wantStdout: "updated\nupgraded\n",
			wantCalls:  []string{"apt-get update", "apt-get -y upgrade"},
		},
		{
			name:     "apt security with unattended-upgrades",
			pm:       pmApt,
			jobType:  protocol.JobApplySecurityOnly,
			commands: []string{"unattended-upgrades"},
			results: map[string]result{
				"apt-get update":         {},
				"unattended-upgrades -d": {stdout: "security done"},
			},
			wantStdout: "security done",
			wantCalls:  []string{"apt-get update", "unattended-upgrades -d"},
		},
		{
			name:    "apt update failure stops",
			pm:      pmApt,
			jobType: protocol.JobApplyPatches,
			results: map[string]result{
				"apt-get update": {code: 100, stderr: "E: network"},
			},
			wantCode:   100,
			wantStderr: "E: network",
			wantCalls:  []string{"apt-get update"},
		},
		{
			name:    "dnf security",
			pm:      pmDnf,
			jobType: protocol.JobApplySecurityOnly,
			results: map[string]result{
				"dnf -y update --security": {stdout: "Complete!"},
			},
			wantStdout: "Complete!",
			wantCalls:  []string{"dnf -y update --security"},
		},
		{
			name:       "unsupported package manager",
			pm:         pmUnknown,
			jobType:    protocol.JobApplyPatches,
			wantCode:   1,
			wantStderr: "Unsupported package manager",
		},
		{
			name:       "unknown job type",
			pm:         pmApt,
			jobType:    "DEFRAG",
			wantCode:   1,
			wantStderr: "Unknown job type",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			run := &fakeRunner{results: tt.results}
			c, _ := newTestCollector(t, run, tt.commands...)
			e := NewExecutor(run, c, zerolog.Nop())

			code, stdout, stderr := e.Execute(context.Background(), tt.pm, tt.jobType)
			assert.Equal(t, tt.wantCode, code)
			assert.Equal(t, tt.wantStdout, stdout)
			assert.Equal(t, tt.wantStderr, stderr)
			assert.Equal(t, tt.wantCalls, run.called())
		})
	}
}

func TestExecuteLaunchFailure(t *testing.T) {
	run := &fakeRunner{results: map[string]result{
		"reboot": {code: 1, err: errors.New("permission denied")},
	}}
	c, _ := newTestCollector(t, run)
	e := NewExecutor(run, c, zerolog.Nop())

	code, _, stderr := e.Execute(context.Background(), pmApt, protocol.JobReboot)
	assert.Equal(t, 1, code)
	assert.Contains(t, stderr, "Execution error: permission denied")
}

func TestExecuteHandlesEveryJobType(t *testing.T) {
	run := &fakeRunner{results: map[string]result{
		"dnf -y update":            {},
		"dnf -y update --security": {},
		"reboot":                   {},
	}}
	c, _ := newTestCollector(t, run)
	e := NewExecutor(run, c, zerolog.Nop())

	for _, jt := range protocol.JobTypes {
		code, _, stderr := e.Execute(context.Background(), pmDnf, jt)
		assert.Zero(t, code, "%s", jt)
		assert.NotContains(t, stderr, "Unknown job type", "%s", jt)
	}
	assert.False(t, protocol.JobType("DEFRAG").Valid())
}
