package models

import (
	"encoding/json"
	"fmt"
	"strings"
)

// Role indicates the author of a projected message.
type Role string

const (
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
	RoleSystem    Role = "system"
	RoleTool      Role = "tool"
)

// BlockType identifies the kind of a content block.
type BlockType string

const (
	BlockText       BlockType = "text"
	BlockThinking   BlockType = "thinking"
	BlockToolUse    BlockType = "tool_use"
	BlockToolResult BlockType = "tool_result"
	BlockImage      BlockType = "image"
	BlockDocument   BlockType = "document"
)

// ContentBlock is one element of a message body. Exactly the fields for the
// block's Type are set; the rest stay empty.
type ContentBlock struct {
	Type ContentBlockType `json:"type"`

	// text
	Text string `json:"text,omitempty"`

	// thinking
	Thinking  string `json:"thinking,omitempty"`
	Signature string `json:"signature,omitempty"`

	// tool_use
	ID    string          `json:"id,omitempty"`
	Name  string          `json:"name,omitempty"`
	Input json.RawMessage `json:"input,omitempty"`

	// tool_result
	ToolUseID string `json:"toolUseId,omitempty"`
	Content   Blocks `json:"content,omitempty"`
	IsError   bool   `json:"isError,omitempty"`

	// image / document (content-addressed, resolved through the blob store)
	BlobID   string `json:"blobId,omitempty"`
	MimeType string `json:"mimeType,omitempty"`
	FileName string `json:"fileName,omitempty"`
}

// ContentBlockType aliases BlockType for JSON clarity.
type ContentBlockType = BlockType

// TextBlock builds a text content block.
func TextBlock(text string) ContentBlock {
	return ContentBlock{Type: BlockText, Text: text}
}

// ThinkingBlock builds a thinking content block.
func ThinkingBlock(thinking, signature string) ContentBlock {
	return ContentBlock{Type: BlockThinking, Thinking: thinking, Signature: signature}
}

// ToolUseBlock builds a tool_use content block.
func ToolUseBlock(id, name string, input json.RawMessage) ContentBlock {
	return ContentBlock{Type: BlockToolUse, ID: id, Name: name, Input: input}
}

// ToolResultBlock builds a tool_result content block.
func ToolResultBlock(toolUseID string, content Blocks, isError bool) ContentBlock {
	return ContentBlock{Type: BlockToolResult, ToolUseID: toolUseID, Content: content, IsError: isError}
}

// ImageBlock builds an image block referencing stored blob content.
func ImageBlock(blobID, mimeType string) ContentBlock {
	return ContentBlock{Type: BlockImage, BlobID: blobID, MimeType: mimeType}
}

// DocumentBlock builds a document block referencing stored blob content.
func DocumentBlock(blobID, mimeType, fileName string) ContentBlock {
	return ContentBlock{Type: BlockDocument, BlobID: blobID, MimeType: mimeType, FileName: fileName}
}

// Blocks is an ordered list of content blocks. It unmarshals from either a
// bare JSON string (shorthand for a single text block) or a block array, so
// payloads written as {"content":"hi"} and {"content":[{"type":"text",...}]}
// are equivalent.
type Blocks []ContentBlock

// UnmarshalJSON accepts a string or an array of blocks.
func (b *Blocks) UnmarshalJSON(data []byte) error {
	trimmed := strings.TrimSpace(string(data))
	if trimmed == "null" {
		*b = nil
		return nil
	}
	if strings.HasPrefix(trimmed, "\"") {
		var s string
		if err := json.Unmarshal(data, &s); err != nil {
			return fmt.Errorf("failed to decode content string: %w", err)
		}
		*b = Blocks{TextBlock(s)}
		return nil
	}
	var blocks []ContentBlock
	if err := json.Unmarshal(data, &blocks); err != nil {
		return fmt.Errorf("failed to decode content blocks: %w", err)
	}
	*b = blocks
	return nil
}

// Text concatenates the text of all text blocks.
func (b Blocks) Text() string {
	var sb strings.Builder
	for _, blk := range b {
		if blk.Type == BlockText {
			sb.WriteString(blk.Text)
		}
	}
	return sb.String()
}

// ToolUses returns the tool_use blocks in order.
func (b Blocks) ToolUses() []ContentBlock {
	var out []ContentBlock
	for _, blk := range b {
		if blk.Type == BlockToolUse {
			out = append(out, blk)
		}
	}
	return out
}

// Message is one projected conversation entry, reconstructed from events.
type Message struct {
	Role    Role   `json:"role"`
	Content Blocks `json:"content"`
}

// MessageEntry pairs a projected message with the event that produced it.
type MessageEntry struct {
	EventID string  `json:"eventId"`
	Message Message `json:"message"`
}
