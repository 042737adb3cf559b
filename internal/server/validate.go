package server

import (
	"net/http"
	"os"
	"strings"

	"github.com/cockroachdb/errors"
)

var (
	ErrPathRequired   = errors.New("scriptPath is required")
	ErrWrongExtension = errors.New("wrong script extension")
	ErrForbiddenChars = errors.New("ScriptPath contains forbidden characters: \" ' ` $ & | ; < > ( ) { }")
	ErrScriptNotFound = errors.New("Script file not found")
)

// forbiddenChars could be used for command injection by whatever interprets
// the path.
const forbiddenChars = "\"'`$&|;<>(){}\n\r"

// validateScriptPath checks a submitted path in a fixed order: presence,
// extension, characters, existence.
func validateScriptPath(path, ext string) error {
	if strings.TrimSpace(path) == "" {
		return ErrPathRequired
	}
	if !strings.HasSuffix(strings.ToLower(path), strings.ToLower(ext)) {
		return errors.Mark(errors.Newf("Only %s files are allowed", ext), ErrWrongExtension)
	}
	if strings.ContainsAny(path, forbiddenChars) {
		return ErrForbiddenChars
	}
	info, err := os.Stat(path)
	if err != nil || !info.Mode().IsRegular() {
		return ErrScriptNotFound
	}
	return nil
}

func validationStatus(err error) int {
	if errors.Is(err, ErrScriptNotFound) {
		return http.StatusNotFound
	}
	return http.StatusBadRequest
}
