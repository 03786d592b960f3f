package crdt

import (
	"encoding/json"
	"fmt"
	"sort"
	"strconv"
	"strings"
)

// TypeOpSet 默认引擎类型
const TypeOpSet = "opset"

// opSetEngine 基于操作集合的序列CRDT（RGA变体）
// 状态是插入操作与删除标记的集合，合并即取并集，
// 渲染由操作集合唯一确定，因此合并满足交换律、结合律与幂等性
type opSetEngine struct{}

// NewOpSetEngine 创建默认引擎
func NewOpSetEngine() Engine {
	return &opSetEngine{}
}

// insertOp 插入操作，元素ID全局唯一（seq@actor）
type insertOp struct {
	Parent string `json:"parent"` // 前驱元素ID，空串表示文档头
	Seq    uint64 `json:"seq"`    // Lamport序号
	Actor  uint64 `json:"actor"`  // 站点ID
	Text   string `json:"text"`
}

// document 序列化状态
type document struct {
	Inserts map[string]insertOp `json:"inserts"`
	Deletes map[string]bool     `json:"deletes"`
}

func newDocument() *document {
	return &document{
		Inserts: make(map[string]insertOp),
		Deletes: make(map[string]bool),
	}
}

func opID(seq, actor uint64) string {
	return strconv.FormatUint(seq, 10) + "@" + strconv.FormatUint(actor, 10)
}

func (e *opSetEngine) Type() string {
	return TypeOpSet
}

// New 从初始内容构建状态，初始内容作为站点0的单个插入操作
func (e *opSetEngine) New(initial []byte) ([]byte, error) {
	doc := newDocument()
	if len(initial) > 0 {
		doc.Inserts[opID(1, 0)] = insertOp{
			Parent: "",
			Seq:    1,
			Actor:  0,
			Text:   string(initial),
		}
	}
	return marshalDocument(doc)
}

// Merge 合并增量（操作集合取并集）
func (e *opSetEngine) Merge(state, delta []byte) ([]byte, error) {
	doc, err := unmarshalDocument(state)
	if err != nil {
		return nil, fmt.Errorf("解析CRDT状态失败: %v", err)
	}
	patch, err := unmarshalDocument(delta)
	if err != nil {
		return nil, fmt.Errorf("解析CRDT增量失败: %v", err)
	}

	for id, op := range patch.Inserts {
		doc.Inserts[id] = op
	}
	for id := range patch.Deletes {
		doc.Deletes[id] = true
	}

	return marshalDocument(doc)
}

// Content 渲染状态为文本
func (e *opSetEngine) Content(state []byte) ([]byte, error) {
	doc, err := unmarshalDocument(state)
	if err != nil {
		return nil, fmt.Errorf("解析CRDT状态失败: %v", err)
	}

	// 按前驱分组，同一前驱下按 (seq, actor) 降序排列，
	// 保证并发插入在所有副本上得到相同顺序
	children := make(map[string][]string)
	for id, op := range doc.Inserts {
		children[op.Parent] = append(children[op.Parent], id)
	}
	for parent := range children {
		ids := children[parent]
		sort.Slice(ids, func(i, j int) bool {
			a, b := doc.Inserts[ids[i]], doc.Inserts[ids[j]]
			if a.Seq != b.Seq {
				return a.Seq > b.Seq
			}
			return a.Actor > b.Actor
		})
	}

	var sb strings.Builder
	var walk func(id string)
	walk = func(id string) {
		if id != "" {
			if op, ok := doc.Inserts[id]; ok && !doc.Deletes[id] {
				sb.WriteString(op.Text)
			}
		}
		for _, child := range children[id] {
			walk(child)
		}
	}
	walk("")

	return []byte(sb.String()), nil
}

func marshalDocument(doc *document) ([]byte, error) {
	// encoding/json对map按键排序，序列化结果可按字节比较收敛性
	return json.Marshal(doc)
}

func unmarshalDocument(data []byte) (*document, error) {
	doc := newDocument()
	if len(data) == 0 {
		return doc, nil
	}
	if err := json.Unmarshal(data, doc); err != nil {
		return nil, err
	}
	if doc.Inserts == nil {
		doc.Inserts = make(map[string]insertOp)
	}
	if doc.Deletes == nil {
		doc.Deletes = make(map[string]bool)
	}
	return doc, nil
}

// Site 客户端视角的编辑站点，用于生成增量（联调与测试）
type Site struct {
	actor uint64
	seq   uint64
	state []byte
}

// NewSite 创建编辑站点
func NewSite(actor uint64, state []byte) *Site {
	site := &Site{actor: actor, state: state}
	// 取当前最大seq，保证新操作排在已有内容之后
	if doc, err := unmarshalDocument(state); err == nil {
		for _, op := range doc.Inserts {
			if op.Seq > site.seq {
				site.seq = op.Seq
			}
		}
	}
	return site
}

// State 当前本地状态
func (s *Site) State() []byte {
	return s.state
}

// InsertAfter 在指定元素后插入文本，返回可广播的增量
func (s *Site) InsertAfter(parent string, text string) ([]byte, string, error) {
	s.seq++
	id := opID(s.seq, s.actor)
	patch := newDocument()
	patch.Inserts[id] = insertOp{
		Parent: parent,
		Seq:    s.seq,
		Actor:  s.actor,
		Text:   text,
	}

	delta, err := marshalDocument(patch)
	if err != nil {
		return nil, "", err
	}

	merged, err := (&opSetEngine{}).Merge(s.state, delta)
	if err != nil {
		return nil, "", err
	}
	s.state = merged

	return delta, id, nil
}

// Delete 删除指定元素，返回可广播的增量
func (s *Site) Delete(id string) ([]byte, error) {
	patch := newDocument()
	patch.Deletes[id] = true

	delta, err := marshalDocument(patch)
	if err != nil {
		return nil, err
	}

	merged, err := (&opSetEngine{}).Merge(s.state, delta)
	if err != nil {
		return nil, err
	}
	s.state = merged

	return delta, nil
}

// Apply 合并远端增量到本地状态
func (s *Site) Apply(delta []byte) error {
	merged, err := (&opSetEngine{}).Merge(s.state, delta)
	if err != nil {
		return err
	}
	s.state = merged

	// 吸收远端seq，保证后续本地操作排序在其之后
	if doc, err := unmarshalDocument(delta); err == nil {
		for _, op := range doc.Inserts {
			if op.Seq > s.seq {
				s.seq = op.Seq
			}
		}
	}
	return nil
}
