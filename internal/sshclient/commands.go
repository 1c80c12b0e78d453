package sshclient

import "strings"

// Probe commands used for OS detection. Each is tried on its own; neither is
// expected to succeed on the other family.
const (
	cmdPosixProbe   = "uname -s"
	cmdWindowsProbe = "cmd /c ver"
)

const existsMarker = "__FLEET_EXISTS__"

// existsCheck is one way of asking a remote shell whether a path exists.
type existsCheck struct {
	cmd string
	ok  func(Result) bool
}

func markerFound(r Result) bool { return strings.Contains(r.Stdout, existsMarker) }

func exitZero(r Result) bool { return r.Status == 0 }

func existsChecks(os OSKind, path string) []existsCheck {
	if os == Posix {
		q := quotePosix(path)
		return []existsCheck{
			{cmd: "test -e " + q + " && echo " + existsMarker, ok: markerFound},
			{cmd: "ls -d " + q, ok: exitZero},
		}
	}

	q := quoteWindows(path)
	return []existsCheck{
		{cmd: "if exist " + q + " (echo " + existsMarker + ")", ok: markerFound},
		{cmd: "dir " + q, ok: func(r Result) bool {
			return r.Status == 0 && !strings.Contains(r.Stdout+r.Stderr, "File Not Found")
		}},
		{cmd: `powershell -NoProfile -Command "Test-Path -LiteralPath '` + path + `'"`, ok: func(r Result) bool {
			return strings.EqualFold(strings.TrimSpace(r.Stdout), "true")
		}},
	}
}

func mkdirCommand(os OSKind, dir string) string {
	if os == Posix {
		return "mkdir -p " + quotePosix(dir)
	}
	q := quoteWindows(dir)
	return "if not exist " + q + " mkdir " + q
}

// quotePosix single-quotes s for a POSIX shell.
func quotePosix(s string) string {
	return "'" + strings.ReplaceAll(s, "'", `'\''`) + "'"
}

func quoteWindows(s string) string {
	return `"` + strings.ReplaceAll(s, `"`, `""`) + `"`
}

// remoteDir returns the parent directory of a remote path, honouring the
// separator used by the remote OS family.
func remoteDir(os OSKind, p string) string {
	seps := "/"
	if os == Windows {
		seps = `/\`
	}
	i := strings.LastIndexAny(p, seps)
	switch {
	case i < 0:
		return ""
	case i == 0:
		return p[:1]
	default:
		return p[:i]
	}
}

// remoteBase returns the last element of a remote path.
func remoteBase(p string) string {
	return p[strings.LastIndexAny(p, `/\`)+1:]
}
