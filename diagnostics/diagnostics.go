// Package diagnostics formats session errors and prints them in a consistent
// way.
package diagnostics

import (
	"errors"
	"fmt"
	"go/token"
	"io"
	"io/fs"
	"path/filepath"
	"regexp"
	"sort"
	"strconv"
	"strings"

	"gopkg.in/yaml.v2"

	"github.com/hzcore/hzsched/config"
)

// A single diagnostic.
type Diagnostic struct {
	Pos token.Position
	Msg string
}

// All problems found in one session file. File is empty for errors that
// can't be connected to a file.
type FileDiagnostic struct {
	File        string
	Diagnostics []Diagnostic
}

// Diagnostics of a whole session.
type SessionDiagnostic []FileDiagnostic

// CreateDiagnostics reads the underlying errors in the error object and
// creates a set of diagnostics that's sorted and can be readily printed.
func CreateDiagnostics(err error) SessionDiagnostic {
	if err == nil {
		return nil
	}
	return SessionDiagnostic{createFileDiagnostic(err)}
}

func createFileDiagnostic(err error) FileDiagnostic {
	var fileDiag FileDiagnostic
	var (
		fieldErrs *config.Errors
		fileErr   *config.FileError
		pathErr   *fs.PathError
	)
	switch {
	case errors.As(err, &fieldErrs):
		fileDiag.File = fieldErrs.File
		for _, e := range fieldErrs.Errs {
			fileDiag.Diagnostics = append(fileDiag.Diagnostics, Diagnostic{
				Pos: token.Position{Filename: fieldErrs.File},
				Msg: e.Error(),
			})
		}
	case errors.As(err, &fileErr):
		fileDiag.File = fileErr.File
		fileDiag.Diagnostics = createDiagnostics(fileErr.Err, fileErr.File)
	case errors.As(err, &pathErr):
		fileDiag.File = pathErr.Path
		fileDiag.Diagnostics = []Diagnostic{{
			Pos: token.Position{Filename: pathErr.Path},
			Msg: pathErr.Err.Error(),
		}}
	default:
		fileDiag.Diagnostics = createDiagnostics(err, "")
	}

	// Sort by line. Diagnostics without a line keep their order.
	sort.SliceStable(fileDiag.Diagnostics, func(i, j int) bool {
		return fileDiag.Diagnostics[i].Pos.Line < fileDiag.Diagnostics[j].Pos.Line
	})
	return fileDiag
}

// Matches the "line N: " prefix of YAML decoder messages.
var yamlLine = regexp.MustCompile(`^(?:yaml: )?line (\d+): (.*)$`)

// Extract diagnostics from a decoder error (which in many cases will just
// be a single diagnostic).
func createDiagnostics(err error, file string) []Diagnostic {
	var typeErr *yaml.TypeError
	if errors.As(err, &typeErr) {
		var diags []Diagnostic
		for _, msg := range typeErr.Errors {
			diags = append(diags, yamlDiagnostic(msg, file))
		}
		return diags
	}
	return []Diagnostic{yamlDiagnostic(err.Error(), file)}
}

func yamlDiagnostic(msg, file string) Diagnostic {
	diag := Diagnostic{Pos: token.Position{Filename: file}, Msg: msg}
	if m := yamlLine.FindStringSubmatch(msg); m != nil {
		diag.Pos.Line, _ = strconv.Atoi(m[1])
		diag.Msg = m[2]
	}
	return diag
}

// Write session diagnostics to the given writer with 'wd' as the relative
// working directory.
func (sessDiag SessionDiagnostic) WriteTo(w io.Writer, wd string) {
	for _, fileDiag := range sessDiag {
		fileDiag.WriteTo(w, wd)
	}
}

// Write file diagnostics to the given writer with 'wd' as the relative
// working directory.
func (fileDiag FileDiagnostic) WriteTo(w io.Writer, wd string) {
	if fileDiag.File != "" {
		fmt.Fprintln(w, "#", RelativePosition(token.Position{Filename: fileDiag.File}, wd).Filename)
	}
	for _, diag := range fileDiag.Diagnostics {
		diag.WriteTo(w, wd)
	}
}

// Write this diagnostic to the given writer with 'wd' as the relative
// working directory.
func (diag Diagnostic) WriteTo(w io.Writer, wd string) {
	if diag.Pos == (token.Position{}) {
		fmt.Fprintln(w, diag.Msg)
		return
	}
	pos := RelativePosition(diag.Pos, wd)
	fmt.Fprintf(w, "%s: %s\n", pos, strings.TrimSpace(diag.Msg))
}

// Convert the position in pos (assumed to have an absolute path) into a
// relative path if possible.
func RelativePosition(pos token.Position, wd string) token.Position {
	// Check whether we even have a working directory.
	if wd == "" || !filepath.IsAbs(pos.Filename) {
		return pos
	}

	// Make the path relative, for easier reading. Ignore any errors in the
	// process (falling back to the absolute path).
	relpath, err := filepath.Rel(wd, pos.Filename)
	if err == nil && !strings.HasPrefix(relpath, "..") {
		pos.Filename = relpath
	}
	return pos
}
