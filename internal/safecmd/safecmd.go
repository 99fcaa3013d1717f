// Package safecmd recognises read-only shell commands for the
// "unless-trusted" approval policy. The parser is intentionally heuristic:
// declaring a safe command unsafe is acceptable, the reverse is not, so
// anything the rules do not positively recognise is unsafe.
package safecmd

import (
	"regexp"
	"strings"

	shellwords "github.com/mattn/go-shellwords"
)

// Plain read-only utilities: safe with any arguments (no redirection, which
// is checked separately).
var safeBins = map[string]bool{
	"ls": true, "dir": true, "tree": true, "pwd": true, "file": true, "stat": true, "du": true, "df": true,
	"cat": true, "head": true, "tail": true, "less": true, "more": true, "nl": true, "strings": true,
	"grep": true, "egrep": true, "fgrep": true, "rg": true, "wc": true, "sort": true, "uniq": true,
	"cut": true, "tr": true, "column": true, "diff": true, "cmp": true, "comm": true,
	"md5sum": true, "sha1sum": true, "sha256sum": true, "sha512sum": true, "cksum": true, "b2sum": true,
	"echo": true, "printf": true, "date": true, "cal": true, "uptime": true, "whoami": true, "id": true,
	"uname": true, "hostname": true, "env": true, "printenv": true, "locale": true, "true": true, "false": true,
	"which": true, "type": true, "basename": true, "dirname": true, "realpath": true, "readlink": true,
	"jq": true, "xxd": true, "od": true, "hexdump": true,
}

// git subcommands that only read repository state.
var safeGitSubcommands = map[string]bool{
	"status": true, "log": true, "diff": true, "show": true, "branch": true,
	"tag": true, "remote": true, "config": true, "ls-files": true, "ls-tree": true,
	"rev-parse": true, "describe": true, "shortlog": true, "blame": true,
	"reflog": true, "stash": true,
}

// Package-manager subcommands that inspect without mutating.
var safePkgSubcommands = map[string]bool{
	"check": true, "clippy": true, "fmt": true, "tree": true, "--version": true,
	"list": true, "view": true, "info": true, "outdated": true, "audit": true,
}

var pkgManagers = map[string]bool{
	"cargo": true, "npm": true, "yarn": true, "pnpm": true,
}

// find predicates that execute or mutate.
var unsafeFindPredicates = map[string]bool{
	"-exec": true, "-execdir": true, "-ok": true, "-okdir": true, "-delete": true,
	"-fls": true, "-fprint": true, "-fprint0": true, "-fprintf": true,
}

// Segment separators. Splitting textually means a quoted separator produces a
// false negative, which the contract allows.
var segmentSplit = regexp.MustCompile(`\|\||&&|;|\|`)

// IsSafe reports whether every segment of the command is a known read-only
// operation. Pure: depends only on the command string.
func IsSafe(command string) bool {
	command = strings.TrimSpace(command)
	if command == "" {
		return false
	}
	// Any output redirection can create or truncate files.
	if strings.Contains(command, ">") {
		return false
	}
	// Unwrap a whole-command `bash -c "..."` / `sh -c '...'` before splitting,
	// so separators inside the quoted script do not break its quoting.
	for _, prefix := range []string{"bash -c ", "sh -c "} {
		rest := strings.TrimSpace(strings.TrimPrefix(command, prefix))
		if rest == command || len(rest) < 2 || (rest[0] != '"' && rest[0] != '\'') {
			continue
		}
		inner := rest[1 : len(rest)-1]
		if rest[len(rest)-1] == rest[0] && !strings.ContainsAny(inner, "\"'`$\\") {
			return IsSafe(inner)
		}
	}
	for _, segment := range segmentSplit.Split(command, -1) {
		if !segmentIsSafe(segment) {
			return false
		}
	}
	return true
}

func segmentIsSafe(segment string) bool {
	tokens, err := shellwords.Parse(strings.TrimSpace(segment))
	if err != nil || len(tokens) == 0 {
		return false
	}

	// Unwrap `bash -c "..."` / `sh -c "..."` and classify the inner command.
	if (tokens[0] == "bash" || tokens[0] == "sh") && len(tokens) >= 3 && tokens[1] == "-c" {
		return IsSafe(tokens[2])
	}

	head := tokens[0]
	args := tokens[1:]

	switch {
	case head == "git":
		return len(args) > 0 && safeGitSubcommands[args[0]]
	case pkgManagers[head]:
		return len(args) > 0 && safePkgSubcommands[args[0]]
	case head == "find":
		for _, a := range args {
			if unsafeFindPredicates[a] {
				return false
			}
		}
		return true
	case head == "sed":
		for _, a := range args {
			if a == "-n" {
				return true
			}
		}
		return false
	case head == "python" || head == "python3" || head == "node":
		return len(args) == 1 && (args[0] == "--version" || args[0] == "-V")
	case safeBins[head]:
		return true
	}
	return false
}
