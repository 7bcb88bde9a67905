// chatrelay/utils/color/color.go
package color

import (
	"github.com/fatih/color"
)

var (
	promptColor = color.New(color.FgCyan, color.Bold)
	infoColor   = color.New(color.FgGreen)
	errorColor  = color.New(color.FgRed, color.Bold)
	modelColor  = color.New(color.FgHiYellow)
)

func ColorPrompt(s string) string {
	return promptColor.Sprint(s)
}

func ColorInfo(s string) string {
	return infoColor.Sprint(s)
}

func ColorError(s string) string {
	return errorColor.Sprint(s)
}

// ColorModel is used for streamed model output.
func ColorModel(s string) string {
	return modelColor.Sprint(s)
}

// Disable turns colouring off, e.g. when output is not a terminal.
func Disable() {
	color.NoColor = true
}
