package server

import (
	"errors"
	"fmt"
	"strings"
	"sync"
	"unicode"

	"github.com/tliron/commonlog"
	"github.com/tliron/glsp"
	protocol "github.com/tliron/glsp/protocol_3_16"
	glspserver "github.com/tliron/glsp/server"

	"github.com/chazu/dwexpr/pkg/asm"
	"github.com/chazu/dwexpr/pkg/bytecode"

	_ "github.com/tliron/commonlog/simple"
)

const lspName = "dwexpr-lsp"

// directives lists the assembler directives offered by completion.
var directives = []string{".address_size"}

// LspServer serves editor features for assembler sources. Every request
// reassembles the document, which is small enough that nothing is cached.
type LspServer struct {
	mu   sync.Mutex
	docs map[string]string // URI → full document content

	handler protocol.Handler
	server  *glspserver.Server
	version string
}

// NewLSP creates a new assembler language server.
func NewLSP() *LspServer {
	s := &LspServer{
		docs:    make(map[string]string),
		version: "0.1.0",
	}

	s.handler = protocol.Handler{
		Initialize:  s.initialize,
		Initialized: s.initialized,
		Shutdown:    s.shutdown,
		SetTrace:    s.setTrace,

		TextDocumentDidOpen:   s.textDocumentDidOpen,
		TextDocumentDidChange: s.textDocumentDidChange,
		TextDocumentDidClose:  s.textDocumentDidClose,

		TextDocumentCompletion: s.textDocumentCompletion,
		TextDocumentHover:      s.textDocumentHover,
		TextDocumentDefinition: s.textDocumentDefinition,
		TextDocumentReferences: s.textDocumentReferences,
	}

	s.server = glspserver.NewServer(&s.handler, lspName, false)

	return s
}

// Run starts the LSP server on stdio. Blocks until the client disconnects.
func (s *LspServer) Run() error {
	return s.server.RunStdio()
}

// --- LSP lifecycle handlers ---

func (s *LspServer) initialize(ctx *glsp.Context, params *protocol.InitializeParams) (any, error) {
	commonlog.NewInfoMessage(0, "dwexpr LSP initializing")

	capabilities := s.handler.CreateServerCapabilities()

	syncKind := protocol.TextDocumentSyncKindFull
	capabilities.TextDocumentSync = &protocol.TextDocumentSyncOptions{
		OpenClose: boolPtr(true),
		Change:    &syncKind,
	}

	capabilities.CompletionProvider = &protocol.CompletionOptions{
		TriggerCharacters: []string{"."},
	}

	capabilities.HoverProvider = true
	capabilities.DefinitionProvider = true
	capabilities.ReferencesProvider = true

	return protocol.InitializeResult{
		Capabilities: capabilities,
		ServerInfo: &protocol.InitializeResultServerInfo{
			Name:    lspName,
			Version: &s.version,
		},
	}, nil
}

func (s *LspServer) initialized(ctx *glsp.Context, params *protocol.InitializedParams) error {
	return nil
}

func (s *LspServer) shutdown(ctx *glsp.Context) error {
	return nil
}

func (s *LspServer) setTrace(ctx *glsp.Context, params *protocol.SetTraceParams) error {
	return nil
}

// --- Document synchronization ---

func (s *LspServer) textDocumentDidOpen(ctx *glsp.Context, params *protocol.DidOpenTextDocumentParams) error {
	uri := params.TextDocument.URI
	text := params.TextDocument.Text

	s.mu.Lock()
	s.docs[string(uri)] = text
	s.mu.Unlock()

	s.publishDiagnostics(ctx, uri, text)
	return nil
}

func (s *LspServer) textDocumentDidChange(ctx *glsp.Context, params *protocol.DidChangeTextDocumentParams) error {
	uri := params.TextDocument.URI

	// With Full sync, the last change event contains the full text
	if len(params.ContentChanges) > 0 {
		last := params.ContentChanges[len(params.ContentChanges)-1]
		if whole, ok := last.(protocol.TextDocumentContentChangeEventWhole); ok {
			s.mu.Lock()
			s.docs[string(uri)] = whole.Text
			text := whole.Text
			s.mu.Unlock()

			s.publishDiagnostics(ctx, uri, text)
		}
	}
	return nil
}

func (s *LspServer) textDocumentDidClose(ctx *glsp.Context, params *protocol.DidCloseTextDocumentParams) error {
	uri := params.TextDocument.URI

	s.mu.Lock()
	delete(s.docs, string(uri))
	s.mu.Unlock()

	// Clear diagnostics for the closed document
	go ctx.Notify(protocol.ServerTextDocumentPublishDiagnostics, protocol.PublishDiagnosticsParams{
		URI:         uri,
		Diagnostics: []protocol.Diagnostic{},
	})
	return nil
}

func (s *LspServer) document(uri protocol.DocumentUri) (string, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	text, ok := s.docs[string(uri)]
	return text, ok
}

// --- Language features ---

func (s *LspServer) textDocumentCompletion(ctx *glsp.Context, params *protocol.CompletionParams) (any, error) {
	text, ok := s.document(params.TextDocument.URI)
	if !ok {
		return nil, nil
	}
	prefix := extractPrefix(text, params.Position)
	if prefix == "" {
		return nil, nil
	}
	return complete(text, prefix), nil
}

func (s *LspServer) textDocumentHover(ctx *glsp.Context, params *protocol.HoverParams) (*protocol.Hover, error) {
	text, ok := s.document(params.TextDocument.URI)
	if !ok {
		return nil, nil
	}
	word := extractWord(text, params.Position)
	if word == "" {
		return nil, nil
	}
	return hover(text, word), nil
}

func (s *LspServer) textDocumentDefinition(ctx *glsp.Context, params *protocol.DefinitionParams) (any, error) {
	uri := params.TextDocument.URI
	text, ok := s.document(uri)
	if !ok {
		return nil, nil
	}
	word := extractWord(text, params.Position)
	if word == "" {
		return nil, nil
	}
	locations := definition(uri, text, word)
	if len(locations) == 0 {
		return nil, nil
	}
	return locations, nil
}

func (s *LspServer) textDocumentReferences(ctx *glsp.Context, params *protocol.ReferenceParams) ([]protocol.Location, error) {
	uri := params.TextDocument.URI
	text, ok := s.document(uri)
	if !ok {
		return nil, nil
	}
	word := extractWord(text, params.Position)
	if word == "" {
		return nil, nil
	}
	return references(uri, text, word, params.Context.IncludeDeclaration), nil
}

// --- Assembler-backed logic ---

func complete(text, prefix string) []protocol.CompletionItem {
	var items []protocol.CompletionItem
	lowerPrefix := strings.ToLower(prefix)

	if strings.HasPrefix(prefix, ".") {
		for _, d := range directives {
			if strings.HasPrefix(d, lowerPrefix) {
				kind := protocol.CompletionItemKindKeyword
				detail := "directive"
				name := d
				items = append(items, protocol.CompletionItem{
					Label:      name,
					Kind:       &kind,
					Detail:     &detail,
					InsertText: &name,
				})
			}
		}
		return items
	}

	lowerPrefix = strings.TrimPrefix(lowerPrefix, "dw_op_")

	// Labels defined in this document
	for _, tok := range scanDocument(text) {
		if tok.label && strings.HasPrefix(strings.ToLower(tok.text), lowerPrefix) {
			kind := protocol.CompletionItemKindConstant
			detail := "label"
			name := tok.text
			items = append(items, protocol.CompletionItem{
				Label:      name,
				Kind:       &kind,
				Detail:     &detail,
				InsertText: &name,
			})
		}
	}

	// Operations
	for _, op := range bytecode.AllOpcodes() {
		info := bytecode.GetOpcodeInfo(op)
		if !strings.HasPrefix(info.Name, lowerPrefix) {
			continue
		}
		kind := protocol.CompletionItemKindFunction
		detail := fmt.Sprintf("0x%02x  pops %d, pushes %d", byte(op), info.StackPop, info.StackPush)
		name := info.Name
		items = append(items, protocol.CompletionItem{
			Label:      name,
			Kind:       &kind,
			Detail:     &detail,
			InsertText: &name,
		})
	}

	// Limit results
	const maxItems = 100
	if len(items) > maxItems {
		items = items[:maxItems]
	}

	return items
}

func hover(text, word string) *protocol.Hover {
	var b strings.Builder

	if op, err := bytecode.Lookup(word); err == nil {
		info := bytecode.GetOpcodeInfo(op)
		fmt.Fprintf(&b, "**%s** `0x%02x`\n\n", info.Name, byte(op))
		fmt.Fprintf(&b, "pops %d, pushes %d", info.StackPop, info.StackPush)
		if len(info.Operands) > 0 {
			kinds := make([]string, len(info.Operands))
			for i, k := range info.Operands {
				kinds[i] = k.String()
			}
			fmt.Fprintf(&b, "\n\noperands: `%s`", strings.Join(kinds, " "))
		}
		if !info.Evaluable {
			b.WriteString("\n\nnot evaluable without a debugger context")
		}
	} else {
		defined := false
		for _, tok := range scanDocument(text) {
			if tok.label && tok.text == word {
				defined = true
				break
			}
		}
		if !defined {
			return nil
		}
		fmt.Fprintf(&b, "label **%s**", word)
		if prog, err := asm.Assemble("", text); err == nil {
			fmt.Fprintf(&b, " at offset `0x%04x`", prog.Labels[word])
		}
	}

	return &protocol.Hover{
		Contents: protocol.MarkupContent{
			Kind:  protocol.MarkupKindMarkdown,
			Value: b.String(),
		},
	}
}

func definition(uri protocol.DocumentUri, text, word string) []protocol.Location {
	var locations []protocol.Location
	for _, tok := range scanDocument(text) {
		if tok.label && tok.text == word {
			locations = append(locations, tok.location(uri))
		}
	}
	return locations
}

func references(uri protocol.DocumentUri, text, word string, includeDeclaration bool) []protocol.Location {
	var locations []protocol.Location
	for _, tok := range scanDocument(text) {
		if tok.text != word || (tok.label && !includeDeclaration) {
			continue
		}
		locations = append(locations, tok.location(uri))
	}
	return locations
}

// --- Diagnostics ---

func (s *LspServer) publishDiagnostics(ctx *glsp.Context, uri protocol.DocumentUri, text string) {
	diagnostics := diagnose(string(uri), text)
	go ctx.Notify(protocol.ServerTextDocumentPublishDiagnostics, protocol.PublishDiagnosticsParams{
		URI:         uri,
		Diagnostics: diagnostics,
	})
}

// diagnose assembles text and converts every assembly error into a
// diagnostic spanning the word at the error position.
func diagnose(filename, text string) []protocol.Diagnostic {
	diagnostics := []protocol.Diagnostic{}
	_, err := asm.Assemble(filename, text)
	if err == nil {
		return diagnostics
	}

	var errs asm.ErrorList
	if !errors.As(err, &errs) {
		errs = asm.ErrorList{{Msg: err.Error()}}
	}
	lines := strings.Split(text, "\n")
	for _, e := range errs {
		line, col := 0, 0
		if e.Pos.Line > 0 {
			line = e.Pos.Line - 1
		}
		if e.Pos.Column > 0 {
			col = e.Pos.Column - 1
		}
		end := col
		if line < len(lines) {
			end = wordEnd(lines[line], col)
		}
		severity := protocol.DiagnosticSeverityError
		source := lspName
		diagnostics = append(diagnostics, protocol.Diagnostic{
			Range: protocol.Range{
				Start: protocol.Position{Line: protocol.UInteger(line), Character: protocol.UInteger(col)},
				End:   protocol.Position{Line: protocol.UInteger(line), Character: protocol.UInteger(end)},
			},
			Severity: &severity,
			Source:   &source,
			Message:  e.Msg,
		})
	}
	return diagnostics
}

// wordEnd returns the end of the token starting at col, or col+1 when
// col is not on an identifier character.
func wordEnd(line string, col int) int {
	if col >= len(line) {
		return len(line)
	}
	end := col
	for end < len(line) && isIdentChar(rune(line[end])) {
		end++
	}
	if end == col {
		end++
	}
	return end
}

// --- Document scanning ---

// token is an identifier occurrence in a source document.
type token struct {
	text  string
	line  int
	start int
	end   int
	label bool // a definition: the identifier is followed by ':'
}

func (t token) location(uri protocol.DocumentUri) protocol.Location {
	return protocol.Location{
		URI: uri,
		Range: protocol.Range{
			Start: protocol.Position{Line: protocol.UInteger(t.line), Character: protocol.UInteger(t.start)},
			End:   protocol.Position{Line: protocol.UInteger(t.line), Character: protocol.UInteger(t.end)},
		},
	}
}

// scanDocument returns the identifiers outside comments, skipping numbers
// and directive names.
func scanDocument(text string) []token {
	var tokens []token
	for n, line := range strings.Split(text, "\n") {
		if i := strings.IndexAny(line, ";#"); i >= 0 {
			line = line[:i]
		}
		for i := 0; i < len(line); {
			ch := rune(line[i])
			if !isIdentChar(ch) {
				i++
				continue
			}
			start := i
			for i < len(line) && isIdentChar(rune(line[i])) {
				i++
			}
			if unicode.IsDigit(rune(line[start])) {
				continue
			}
			if start > 0 && line[start-1] == '.' {
				continue
			}
			tok := token{text: line[start:i], line: n, start: start, end: i}
			rest := strings.TrimLeft(line[i:], " \t")
			tok.label = strings.HasPrefix(rest, ":")
			tokens = append(tokens, tok)
		}
	}
	return tokens
}

// --- Text extraction helpers ---

func isIdentChar(ch rune) bool {
	return unicode.IsLetter(ch) || unicode.IsDigit(ch) || ch == '_'
}

// extractPrefix returns the word fragment before the cursor for completion.
// A leading '.' is kept so directives can be completed.
func extractPrefix(text string, pos protocol.Position) string {
	lines := strings.Split(text, "\n")
	if int(pos.Line) >= len(lines) {
		return ""
	}
	line := lines[pos.Line]
	col := int(pos.Character)
	if col > len(line) {
		col = len(line)
	}

	// Walk backwards from cursor to find the start of the identifier
	start := col
	for start > 0 && isIdentChar(rune(line[start-1])) {
		start--
	}
	if start > 0 && line[start-1] == '.' {
		start--
	}

	if start == col {
		return ""
	}

	return line[start:col]
}

// extractWord returns the full identifier under the cursor.
func extractWord(text string, pos protocol.Position) string {
	lines := strings.Split(text, "\n")
	if int(pos.Line) >= len(lines) {
		return ""
	}
	line := lines[pos.Line]
	col := int(pos.Character)
	if col > len(line) {
		col = len(line)
	}

	// Find start
	start := col
	for start > 0 && isIdentChar(rune(line[start-1])) {
		start--
	}

	// Find end
	end := col
	for end < len(line) && isIdentChar(rune(line[end])) {
		end++
	}

	if start == end {
		return ""
	}

	return line[start:end]
}

func boolPtr(b bool) *bool {
	return &b
}
