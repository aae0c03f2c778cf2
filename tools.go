package main

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/victhorio/opachat/agg"
	"github.com/victhorio/opachat/agg/tools"
	"github.com/victhorio/opachat/notes"
	"github.com/victhorio/opachat/prompts"
)

// serverTools are run by the agent itself. The notes tools are only offered when a notes
// directory is configured, the web search ones when there is a Perplexity key.
func serverTools(dir *notes.Dir, search *tools.Perplexity, now func() time.Time) *agg.ToolRegistry {
	r := agg.NewToolRegistry(createCurrentTimeTool(now))
	if dir != nil {
		r.Register(createReadNoteTool(dir))
		r.Register(createListNotesTool(dir))
		r.Register(createSearchNotesTool(dir))
	}
	if search != nil {
		r.Register(search.WebSearchTool(prompts.MustLoadToolSpec("web_search")))
		r.Register(search.AgenticSearchTool(prompts.MustLoadToolSpec("agentic_web_search")))
	}
	return r
}

func createCurrentTimeTool(now func() time.Time) agg.Tool {
	wrapper := func(ctx context.Context, args struct{}) (string, error) {
		t := now()
		return fmt.Sprintf("%s (%s)", t.Format(time.RFC3339), t.Weekday()), nil
	}

	return agg.NewTool(wrapper, prompts.MustLoadToolSpec("current_time"))
}

func createReadNoteTool(dir *notes.Dir) agg.Tool {
	wrapper := func(
		ctx context.Context,
		args struct {
			NoteName string `json:"note_name"`
		},
	) (string, error) {
		note, err := dir.Read(args.NoteName)
		if err != nil {
			return fmt.Sprintf("<error>Failed to read note %s: %s</error>", args.NoteName, err.Error()), nil
		}

		return note, nil
	}

	return agg.NewTool(wrapper, prompts.MustLoadToolSpec("read_note"))
}

func createListNotesTool(dir *notes.Dir) agg.Tool {
	wrapper := func(
		ctx context.Context,
		args struct {
			SubPath string `json:"sub_path"`
		},
	) (string, error) {
		items, err := dir.List(args.SubPath)
		if err != nil {
			return fmt.Sprintf("<error>Failed to list directory %s: %s</error>", args.SubPath, err.Error()), nil
		}

		return strings.Join(items, "\n"), nil
	}

	return agg.NewTool(wrapper, prompts.MustLoadToolSpec("list_notes"))
}

func createSearchNotesTool(dir *notes.Dir) agg.Tool {
	wrapper := func(
		ctx context.Context,
		args struct {
			Pattern       string `json:"pattern"`
			Folder        string `json:"folder"`
			CaseSensitive bool   `json:"case_sensitive"`
		},
	) (string, error) {
		matches, err := dir.Search(args.Pattern, args.Folder, args.CaseSensitive)
		if err != nil {
			return fmt.Sprintf("<error>Failed to search notes for pattern %s: %s</error>", args.Pattern, err.Error()), nil
		}
		if len(matches) == 0 {
			return "no matches", nil
		}

		var sb strings.Builder

		for _, match := range matches {
			sb.WriteString(fmt.Sprintf("NOTE %s\n", match.NoteName))
			for _, line := range match.MatchedLines {
				sb.WriteString(fmt.Sprintf("LINE %s\n", line))
			}
			sb.WriteString("\n")
		}

		return sb.String(), nil
	}

	return agg.NewTool(wrapper, prompts.MustLoadToolSpec("search_notes"))
}

// createCopyToClipboardTool is answered by the terminal once the user confirms the copy.
func createCopyToClipboardTool(write func(string) error) agg.Tool {
	wrapper := func(
		ctx context.Context,
		args struct {
			Text string `json:"text"`
		},
	) (string, error) {
		if err := write(args.Text); err != nil {
			return "", err
		}
		return "copied", nil
	}

	return agg.NewTool(wrapper, prompts.MustLoadToolSpec("copy_to_clipboard"))
}
