package hook

import (
	"strings"
	"sync"
)

// ShadowClasses are the system control classes whose original window
// procedures are remembered per thread.
var ShadowClasses = [...]string{
	"BUTTON",
	"COMBOBOX",
	"ComboLBox",
	"EDIT",
	"LISTBOX",
	"MDICLIENT",
	"RichEdit",
	"RICHEDIT_CLASS",
	"SCROLLBAR",
	"STATIC",
	"SysTreeView32",
	"SysListView32",
	"SysAnimate32",
	"SysHeader32",
	"tooltips_class32",
}

// ClassIndex returns the slot of a class name, matched case-insensitively.
func ClassIndex(class string) (int, bool) {
	for i, c := range ShadowClasses {
		if strings.EqualFold(c, class) {
			return i, true
		}
	}
	return -1, false
}

// ProcPair is the narrow and wide original procedure of one class.
type ProcPair struct {
	Ansi uintptr
	Wide uintptr
}

// ShadowTable belongs to exactly one thread.
type ShadowTable struct {
	Thread uint32
	procs  [len(ShadowClasses)]ProcPair
}

func (self *ShadowTable) Get(class string, wide bool) uintptr {
	i, ok := ClassIndex(class)
	if !ok {
		return 0
	}
	if wide {
		return self.procs[i].Wide
	}
	return self.procs[i].Ansi
}

func (self *ShadowTable) Set(class string, p ProcPair) bool {
	i, ok := ClassIndex(class)
	if ok {
		self.procs[i] = p
	}
	return ok
}

// ClassQuery looks up the registered procedures for a class.
type ClassQuery func(class string) ProcPair

// ShadowTables hands out one lazily built table per thread.
type ShadowTables struct {
	query ClassQuery

	mu     sync.Mutex
	tables map[uint32]*ShadowTable
}

func NewShadowTables(query ClassQuery) *ShadowTables {
	return &ShadowTables{query: query, tables: make(map[uint32]*ShadowTable)}
}

// For returns the table of tid, building it on first access.
func (self *ShadowTables) For(tid uint32) *ShadowTable {
	self.mu.Lock()
	defer self.mu.Unlock()
	if t, ok := self.tables[tid]; ok {
		return t
	}
	t := &ShadowTable{Thread: tid}
	if self.query != nil {
		for i, c := range ShadowClasses {
			t.procs[i] = self.query(c)
		}
	}
	self.tables[tid] = t
	return t
}

// Release drops the table of an exiting thread.
func (self *ShadowTables) Release(tid uint32) {
	self.mu.Lock()
	delete(self.tables, tid)
	self.mu.Unlock()
}

// ReleaseAll drops every table, at process detach.
func (self *ShadowTables) ReleaseAll() {
	self.mu.Lock()
	self.tables = make(map[uint32]*ShadowTable)
	self.mu.Unlock()
}

func (self *ShadowTables) Len() int {
	self.mu.Lock()
	defer self.mu.Unlock()
	return len(self.tables)
}
