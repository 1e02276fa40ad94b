package main

import (
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/charmbracelet/lipgloss"
	"github.com/charmbracelet/lipgloss/tree"
	"github.com/dustin/go-humanize"

	"github.com/gobeaver/cloudview"
)

var (
	folderStyle = lipgloss.NewStyle().Foreground(lipgloss.Color("12")).Bold(true)
	fileStyle   = lipgloss.NewStyle()
	dimStyle    = lipgloss.NewStyle().Foreground(lipgloss.Color("8"))
	headerStyle = lipgloss.NewStyle().Bold(true).Underline(true)
	okStyle     = lipgloss.NewStyle().Foreground(lipgloss.Color("10"))
	badStyle    = lipgloss.NewStyle().Foreground(lipgloss.Color("9"))
)

// splitURL splits "server://a/b" into "server://a" and "b".
func splitURL(url string) (parent, name string, err error) {
	i := strings.Index(url, "://")
	if i < 0 {
		return "", "", fmt.Errorf("%w: %q", cloudview.ErrInvalidURL, url)
	}
	rest := strings.TrimRight(url[i+3:], "/")
	j := strings.LastIndex(rest, "/")
	if rest == "" {
		return "", "", fmt.Errorf("%w: %q names a server root", cloudview.ErrNotAllowed, url)
	}
	if j < 0 {
		return url[:i+3], cloudview.UnescapeName(rest), nil
	}
	return url[:i+3] + rest[:j], cloudview.UnescapeName(rest[j+1:]), nil
}

func itemLabel(it *cloudview.Item) string {
	if it.IsRoot() {
		return folderStyle.Render(it.FullPath())
	}
	if it.IsDir() {
		return folderStyle.Render(it.Name() + "/")
	}
	return fileStyle.Render(it.Name()) + " " + dimStyle.Render(humanize.IBytes(uint64(it.Size())))
}

func formatTime(t time.Time) string {
	if t.IsZero() {
		return "-"
	}
	return humanize.Time(t)
}

// writeListing prints children one per line; long adds size, type and age.
func writeListing(w io.Writer, items []*cloudview.Item, long bool) {
	if !long {
		for _, it := range items {
			fmt.Fprintln(w, itemLabel(it))
		}
		return
	}
	width := 0
	for _, it := range items {
		width = max(width, lipgloss.Width(it.Name()))
	}
	for _, it := range items {
		kind, size := "-", humanize.IBytes(uint64(it.Size()))
		name := fileStyle.Render(it.Name())
		if it.IsDir() {
			kind, size = "d", "-"
			name = folderStyle.Render(it.Name())
		}
		pad := strings.Repeat(" ", width-lipgloss.Width(it.Name()))
		fmt.Fprintf(w, "%s %9s  %s%s  %s\n", kind, size, name, pad, dimStyle.Render(formatTime(it.ModTime())))
	}
}

// buildTree renders the cached subtree of it down to depth levels.
func buildTree(it *cloudview.Item, depth int) *tree.Tree {
	t := tree.Root(itemLabel(it)).
		Enumerator(tree.RoundedEnumerator).
		EnumeratorStyle(dimStyle)
	if depth <= 0 {
		return t
	}
	for _, c := range it.ChildItems() {
		if c.IsDir() {
			if _, loaded := c.Children(); loaded && depth > 1 {
				t.Child(buildTree(c, depth-1))
				continue
			}
		}
		t.Child(itemLabel(c))
	}
	return t
}
