package session

import (
	"context"
	"time"
)

// SudoCheck is the outcome of one probe command run during TestSudo.
type SudoCheck struct {
	Name       string `json:"name"`
	Command    string `json:"command"`
	ExitStatus *int   `json:"exit_status"`
	Passed     bool   `json:"passed"`
	Stderr     string `json:"stderr,omitempty"`
}

// SudoReport summarizes whether non-interactive sudo works on a session.
type SudoReport struct {
	Works              bool        `json:"works"`
	PasswordConfigured bool        `json:"password_configured"`
	AutoSudoFix        bool        `json:"auto_sudo_fix"`
	Diagnosis          string      `json:"diagnosis"`
	Checks             []SudoCheck `json:"checks"`
}

const sudoCheckTimeout = 15 * time.Second

// TestSudo probes sudo on the named session: first whether passwordless
// sudo is granted, then whether the configured password satisfies sudo
// through the same rewriting the execute path applies.
func (m *Manager) TestSudo(ctx context.Context, handle string) (SudoReport, error) {
	s, err := m.get(handle)
	if err != nil {
		return SudoReport{}, err
	}

	report := SudoReport{
		PasswordConfigured: s.prof.HasSudoPassword(),
		AutoSudoFix:        s.prof.AutoSudoFix,
	}

	nopasswd := m.runSudoCheck(ctx, s, "nopasswd", "sudo -n true")
	report.Checks = append(report.Checks, nopasswd)

	if nopasswd.Passed {
		report.Works = true
		report.Diagnosis = "passwordless sudo is granted; commands need no rewriting"
		return report, nil
	}

	// The echo flows through the normal rewrite path, so this exercises
	// exactly what an agent-issued "sudo ..." command would get.
	withSecret := m.runSudoCheck(ctx, s, "with-password", "sudo echo sudo-check-ok")
	report.Checks = append(report.Checks, withSecret)

	switch {
	case withSecret.Passed:
		report.Works = true
		report.Diagnosis = "sudo works with the configured password via stdin"
	case !report.PasswordConfigured:
		report.Diagnosis = "sudo requires a password but none is configured for this profile"
	case !report.AutoSudoFix:
		report.Diagnosis = "sudo requires a password and automatic rewriting is disabled for this profile"
	default:
		report.Diagnosis = "sudo rejected the configured password; verify the profile's sudo credentials"
	}
	return report, nil
}

func (m *Manager) runSudoCheck(ctx context.Context, s *Session, name, command string) SudoCheck {
	check := SudoCheck{Name: name, Command: command}
	res, err := s.execute(ctx, Request{Command: command, Timeout: sudoCheckTimeout})
	if err != nil {
		if isLost(err) {
			m.removeDead(s, "unrecoverable stall")
		}
		check.Stderr = err.Error()
		return check
	}
	check.ExitStatus = res.ExitStatus
	check.Passed = res.Ok()
	check.Stderr = res.Stderr
	return check
}
