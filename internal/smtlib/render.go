// Package smtlib renders SMT-LIB2 solver scripts and exchanges them with
// remote workers.
package smtlib

import (
	"bytes"
	"fmt"
)

// Decl declares a constant of the given sort.
type Decl struct {
	Name string `json:"name"`
	Sort string `json:"sort"`
}

// Def defines a constant as a term.
type Def struct {
	Name string `json:"name"`
	Sort string `json:"sort"`
	Term string `json:"term"`
}

// Instance describes one satisfiability query. Declarations, definitions
// and assertions are emitted in slice order.
type Instance struct {
	Logic     string   `json:"logic"`
	Decls     []Decl   `json:"decls,omitempty"`
	Defs      []Def    `json:"defs,omitempty"`
	Asserts   []string `json:"asserts,omitempty"`
	NeedModel bool     `json:"need_model,omitempty"`
	// Timeout is passed to the solver in milliseconds when positive.
	Timeout int `json:"timeout,omitempty"`
}

// Render produces the script text for inst.
func Render(inst Instance) []byte {
	var b bytes.Buffer
	b.WriteString("(set-option :print-success false)\n")
	if inst.Timeout > 0 {
		fmt.Fprintf(&b, "(set-option :timeout %d)\n", inst.Timeout)
	}
	if inst.NeedModel {
		b.WriteString("(set-option :produce-models true)\n")
	}
	fmt.Fprintf(&b, "(set-logic %s)\n", inst.Logic)
	for _, d := range inst.Decls {
		fmt.Fprintf(&b, "(declare-fun %s () %s)\n", d.Name, d.Sort)
	}
	for _, d := range inst.Defs {
		fmt.Fprintf(&b, "(define-fun %s () %s %s)\n", d.Name, d.Sort, d.Term)
	}
	for _, t := range inst.Asserts {
		fmt.Fprintf(&b, "(assert %s)\n", t)
	}
	b.WriteString("(check-sat)\n")
	if inst.NeedModel {
		b.WriteString("(get-model)\n")
	}
	b.WriteString("(exit)")
	return b.Bytes()
}
