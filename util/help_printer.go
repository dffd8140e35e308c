package util

import (
	"fmt"
	"io"
	"os"
	"reflect"
	"sort"
	"strconv"
	"strings"

	"github.com/fatih/color"
	"github.com/urfave/cli/v2"
	"golang.org/x/term"
)

const (
	helpIndent   = "   "
	flagIndent   = "  "
	flagGap      = 2
	defaultWidth = 120
)

var (
	sectionColor  = color.New(color.FgGreen, color.Bold).SprintFunc()
	categoryColor = color.New(color.FgCyan, color.Bold).SprintFunc()
)

func termWidth() int {
	if w, _, err := term.GetSize(int(os.Stdout.Fd())); err == nil && w > 0 {
		return w
	}
	if cols, err := strconv.Atoi(os.Getenv("COLUMNS")); err == nil && cols > 0 {
		return cols
	}
	return defaultWidth
}

// wrapText breaks text into lines no longer than width, keeping blank lines
// between paragraphs.
func wrapText(text string, width int) []string {
	var lines []string
	for i, para := range strings.Split(text, "\n\n") {
		if i > 0 {
			lines = append(lines, "")
		}
		words := strings.Fields(para)
		if len(words) == 0 {
			continue
		}
		line := words[0]
		for _, word := range words[1:] {
			if len(line)+1+len(word) > width {
				lines = append(lines, line)
				line = word
				continue
			}
			line += " " + word
		}
		lines = append(lines, line)
	}
	if len(lines) == 0 {
		lines = append(lines, "")
	}
	return lines
}

func flagField(f cli.Flag, name string) reflect.Value {
	v := reflect.ValueOf(f)
	if v.Kind() == reflect.Ptr {
		v = v.Elem()
	}
	if v.Kind() != reflect.Struct {
		return reflect.Value{}
	}
	return v.FieldByName(name)
}

func flagCategory(f cli.Flag) string {
	if fld := flagField(f, "Category"); fld.IsValid() && fld.Kind() == reflect.String {
		return fld.String()
	}
	return ""
}

func flagHidden(f cli.Flag) bool {
	if fld := flagField(f, "Hidden"); fld.IsValid() && fld.Kind() == reflect.Bool {
		return fld.Bool()
	}
	return false
}

// splitFlag returns the "--name value" label and the usage text of f.
func splitFlag(f cli.Flag) (string, string) {
	parts := strings.SplitN(strings.TrimRight(f.String(), "\n"), "\t", 2)
	if len(parts) == 1 {
		return parts[0], ""
	}
	return parts[0], parts[1]
}

type helpData struct {
	name  string
	usage string
	desc  string
	flags []cli.Flag
	cmds  []*cli.Command
}

func printHelp(w io.Writer, d helpData, width int) {
	fmt.Fprintf(w, "%s\n%s%s - %s\n\n", sectionColor("NAME:"), helpIndent, d.name, d.usage)

	fmt.Fprintf(w, "%s\n%s%s", sectionColor("USAGE:"), helpIndent, d.name)
	if len(d.flags) > 0 {
		fmt.Fprint(w, " [options]")
	}
	if len(d.cmds) > 0 {
		fmt.Fprint(w, " command [command options] [arguments...]")
	}
	fmt.Fprint(w, "\n\n")

	if d.desc != "" {
		fmt.Fprintln(w, sectionColor("DESCRIPTION:"))
		for _, line := range wrapText(d.desc, width-len(helpIndent)) {
			fmt.Fprintf(w, "%s%s\n", helpIndent, line)
		}
		fmt.Fprintln(w)
	}

	visible := make([]*cli.Command, 0, len(d.cmds))
	for _, c := range d.cmds {
		if c.Hidden || c.Name == "help" {
			continue
		}
		visible = append(visible, c)
	}
	if len(visible) > 0 {
		fmt.Fprintln(w, sectionColor("COMMANDS:"))
		for _, c := range visible {
			fmt.Fprintf(w, "%s%-20s  %s\n", helpIndent, c.Name, c.Usage)
		}
		fmt.Fprintln(w)
	}

	printFlags(w, d.flags, width)
}

func printFlags(w io.Writer, flags []cli.Flag, width int) {
	groups := make(map[string][]cli.Flag)
	labelWidth := 0
	for _, f := range flags {
		if flagHidden(f) {
			continue
		}
		label, _ := splitFlag(f)
		if strings.HasPrefix(label, "--help") {
			continue
		}
		groups[flagCategory(f)] = append(groups[flagCategory(f)], f)
		labelWidth = max(labelWidth, len(label))
	}
	if len(groups) == 0 {
		return
	}

	categories := make([]string, 0, len(groups))
	for c := range groups {
		categories = append(categories, c)
	}
	sort.Strings(categories)

	fmt.Fprintf(w, "%s\n\n", sectionColor("OPTIONS:"))

	usageWidth := max(20, width-len(flagIndent)-labelWidth-flagGap)
	continuation := strings.Repeat(" ", len(flagIndent)+labelWidth+flagGap+2)
	for _, c := range categories {
		heading := c
		if heading == "" {
			heading = "Global Options"
		}
		fmt.Fprintf(w, "%s%s\n", flagIndent, categoryColor(heading))

		for _, f := range groups[c] {
			label, usage := splitFlag(f)
			lines := wrapText(usage, usageWidth)
			fmt.Fprintf(w, "%s%-*s%s%s\n", flagIndent, labelWidth, label, strings.Repeat(" ", flagGap), lines[0])
			for _, line := range lines[1:] {
				fmt.Fprintf(w, "%s%s\n", continuation, line)
			}
		}
		fmt.Fprintln(w)
	}
}

// PrettierHelpPrinter replaces the cli help output with a colored layout
// that groups flags by category.
func PrettierHelpPrinter() {
	fallback := cli.HelpPrinter
	width := min(160, termWidth()) - 4

	cli.HelpPrinter = func(w io.Writer, templ string, data interface{}) {
		switch v := data.(type) {
		case *cli.App:
			printHelp(w, helpData{
				name:  v.HelpName,
				usage: v.Usage,
				desc:  v.Description,
				flags: v.VisibleFlags(),
				cmds:  v.Commands,
			}, width)
		case *cli.Command:
			printHelp(w, helpData{
				name:  v.HelpName,
				usage: v.Usage,
				desc:  v.Description,
				flags: v.VisibleFlags(),
				cmds:  v.Subcommands,
			}, width)
		default:
			fallback(w, templ, data)
		}
	}
}
