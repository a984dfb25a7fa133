package agent

import (
	"context"
	"errors"
	"fmt"
	"io"
	"strings"

	"github.com/cloudwego/eino/components/model"
	"github.com/cloudwego/eino/schema"
	"github.com/rs/zerolog"

	"github.com/opencode-ai/inlinechat/internal/logging"
	"github.com/opencode-ai/inlinechat/pkg/types"
)

const defaultSystemPrompt = `You are an inline code editing assistant.
You receive a document, a region of it and an instruction.
Reply with at most one short sentence, then exactly one fenced code block that
holds the complete new text of the region. Do not repeat code outside the region.`

// LLMAgent answers requests with a streaming chat model. The fenced code block
// of the reply replaces the whole range line by line as it streams in.
type LLMAgent struct {
	id        string
	chatModel model.BaseChatModel
	system    string
	log       zerolog.Logger
}

// NewLLMAgent creates an agent on top of an Eino chat model.
func NewLLMAgent(id string, chatModel model.BaseChatModel) *LLMAgent {
	return &LLMAgent{
		id:        id,
		chatModel: chatModel,
		system:    defaultSystemPrompt,
		log:       logging.Component("agent"),
	}
}

func (a *LLMAgent) ID() string { return a.id }

// Prepare widens the selection to whole lines.
func (a *LLMAgent) Prepare(ctx context.Context, req *PrepareRequest) (*Prepared, error) {
	lines := strings.Split(req.Text, "\n")
	start, end := lineSpan(req.Selection, len(lines))
	return &Prepared{
		WholeRange:  types.NewRange(start, 1, end, len(lines[end-1])+1),
		Placeholder: "Ask for an edit",
	}, nil
}

func (a *LLMAgent) Invoke(ctx context.Context, req *Request, sink Sink) error {
	lines := strings.Split(req.Document.Text, "\n")
	start, end := lineSpan(req.Document.WholeRange, len(lines))

	stream, err := a.chatModel.Stream(ctx, a.messages(req, lines, start, end))
	if err != nil {
		return fmt.Errorf("failed to create stream: %w", err)
	}
	defer stream.Close()

	rw := newRewriter(sink, req.Document.URI, lines, start, end)
	for {
		msg, err := stream.Recv()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			return fmt.Errorf("stream error: %w", err)
		}
		rw.feed(msg.Content)
	}
	rw.finish()

	a.log.Debug().
		Str("requestID", req.RequestID).
		Int("lines", rw.written).
		Msg("rewrite finished")
	return nil
}

func (a *LLMAgent) messages(req *Request, lines []string, start, end int) []*schema.Message {
	msgs := []*schema.Message{schema.SystemMessage(a.system)}
	for _, ex := range req.History {
		msgs = append(msgs, schema.UserMessage(ex.Message))
		msgs = append(msgs, schema.AssistantMessage(ex.Response, nil))
	}

	var b strings.Builder
	fmt.Fprintf(&b, "Document %s:\n```\n%s\n```\n\n", req.Document.URI, req.Document.Text)
	fmt.Fprintf(&b, "Region (lines %d-%d):\n```\n%s\n```\n\n", start, end, strings.Join(lines[start-1:end], "\n"))
	for _, att := range req.Attachments {
		fmt.Fprintf(&b, "Attachment %s:\n```\n%s\n```\n\n", att.Name, att.Content)
	}
	fmt.Fprintf(&b, "Instruction: %s", req.Message)
	msgs = append(msgs, schema.UserMessage(b.String()))
	return msgs
}

// lineSpan returns the 1-based inclusive line span covered by r, clamped to
// the document. A range ending at column 1 of a later line excludes that line.
func lineSpan(r types.Range, lineCount int) (int, int) {
	start, end := r.Start.Line, r.End.Line
	if end > start && r.End.Column == 1 {
		end--
	}
	if start < 1 {
		start = 1
	}
	if end < start {
		end = start
	}
	if end > lineCount {
		end = lineCount
	}
	if start > end {
		start = end
	}
	return start, end
}

// rewriter turns streamed model output into text and line-wise edits. The
// first code line replaces the region, each later line is inserted after the
// previous one.
type rewriter struct {
	sink Sink
	uri  string

	region      types.Range
	atEOF       bool
	buf         string
	inFence     bool
	fenceClosed bool
	fenceSeen   bool

	cursor  int
	lastLen int
	written int
}

func newRewriter(sink Sink, uri string, lines []string, start, end int) *rewriter {
	rw := &rewriter{sink: sink, uri: uri}
	if end < len(lines) {
		rw.region = types.NewRange(start, 1, end+1, 1)
	} else {
		rw.region = types.NewRange(start, 1, end, len(lines[end-1])+1)
		rw.atEOF = true
	}
	return rw
}

func (rw *rewriter) feed(chunk string) {
	rw.buf += chunk
	for {
		i := strings.IndexByte(rw.buf, '\n')
		if i < 0 {
			return
		}
		line := rw.buf[:i]
		rw.buf = rw.buf[i+1:]
		rw.line(line, true)
	}
}

func (rw *rewriter) finish() {
	if rw.buf != "" {
		rw.line(rw.buf, false)
		rw.buf = ""
	}
	switch {
	case rw.written == 0 && rw.fenceSeen:
		// empty code block: the region goes away
		rw.sink.Edits(rw.uri, []types.TextEdit{{Range: rw.region}})
	case rw.written > 0 && rw.atEOF:
		// the region had no trailing newline, drop the one we added
		rw.sink.Edits(rw.uri, []types.TextEdit{{
			Range: types.NewRange(rw.cursor-1, rw.lastLen+1, rw.cursor, 1),
		}})
	}
}

func (rw *rewriter) line(line string, complete bool) {
	fence := strings.HasPrefix(strings.TrimSpace(line), "```")
	switch {
	case rw.inFence && fence:
		rw.inFence = false
		rw.fenceClosed = true
	case rw.inFence:
		rw.code(line)
	case fence && !rw.fenceClosed:
		rw.inFence = true
		rw.fenceSeen = true
	default:
		if complete {
			line += "\n"
		}
		rw.sink.Text(line)
	}
}

func (rw *rewriter) code(line string) {
	var edit types.TextEdit
	if rw.written == 0 {
		edit = types.TextEdit{Range: rw.region, Text: line + "\n"}
		rw.cursor = rw.region.Start.Line + 1
	} else {
		at := types.Position{Line: rw.cursor, Column: 1}
		edit = types.TextEdit{Range: types.Range{Start: at, End: at}, Text: line + "\n"}
		rw.cursor++
	}
	rw.lastLen = len(line)
	rw.written++
	rw.sink.Edits(rw.uri, []types.TextEdit{edit})
}
