package slot

import (
	"fmt"

	"github.com/dop251/goja/ast"
)

// walker scans a parsed program for rule violations. The set of node kinds
// it understands is closed: any node the switches below do not recognize is
// rejected, never silently admitted.
type walker struct {
	violations []Violation
	hasReturn  bool
}

func (w *walker) add(ruleID, message string) {
	w.violations = append(w.violations, Violation{RuleID: ruleID, Message: message})
}

func (w *walker) unsupported(n interface{}) {
	w.add("unsupported-syntax", fmt.Sprintf("unsupported syntax (%T)", n))
}

func (w *walker) checkIdent(name string) {
	if blacklist[name] {
		w.add("blacklisted-identifier", fmt.Sprintf("forbidden identifier %q", name))
	}
}

// checkMember guards property access. Forbidden members are rejected even on
// otherwise legal values; blacklisted names are rejected in member position
// too, so obj.eval does not slip past the identifier rule.
func (w *walker) checkMember(name string) {
	if forbiddenMembers[name] {
		w.add("forbidden-member", fmt.Sprintf("forbidden member access %q", name))
		return
	}
	if blacklist[name] {
		w.add("blacklisted-identifier", fmt.Sprintf("forbidden identifier %q in member access", name))
	}
}

// checkPropertyName guards literal keys in object literals and class bodies.
// Defining a key named "constructor" is inert (checkMember blocks the
// access), but blacklisted names such as "__proto__" are rejected.
func (w *walker) checkPropertyName(name string) {
	if blacklist[name] {
		w.add("blacklisted-identifier", fmt.Sprintf("forbidden property name %q", name))
	}
}

func (w *walker) statements(list []ast.Statement) {
	for _, s := range list {
		w.stmt(s)
	}
}

func (w *walker) stmt(s ast.Statement) {
	if s == nil {
		return
	}
	switch n := s.(type) {
	case *ast.BlockStatement:
		w.statements(n.List)
	case *ast.BranchStatement:
		if n.Label != nil {
			w.checkIdent(n.Label.Name.String())
		}
	case *ast.CaseStatement:
		w.expr(n.Test)
		w.statements(n.Consequent)
	case *ast.DebuggerStatement, *ast.EmptyStatement:
	case *ast.DoWhileStatement:
		w.stmt(n.Body)
		w.expr(n.Test)
	case *ast.ExpressionStatement:
		w.expr(n.Expression)
	case *ast.ForInStatement:
		w.forInto(n.Into)
		w.expr(n.Source)
		w.stmt(n.Body)
	case *ast.ForOfStatement:
		w.forInto(n.Into)
		w.expr(n.Source)
		w.stmt(n.Body)
	case *ast.ForStatement:
		w.forInit(n.Initializer)
		w.expr(n.Test)
		w.expr(n.Update)
		w.stmt(n.Body)
	case *ast.FunctionDeclaration:
		w.expr(n.Function)
	case *ast.ClassDeclaration:
		w.class(n.Class)
	case *ast.IfStatement:
		w.expr(n.Test)
		w.stmt(n.Consequent)
		w.stmt(n.Alternate)
	case *ast.LabelledStatement:
		if n.Label != nil {
			w.checkIdent(n.Label.Name.String())
		}
		w.stmt(n.Statement)
	case *ast.ReturnStatement:
		w.hasReturn = true
		w.expr(n.Argument)
	case *ast.SwitchStatement:
		w.expr(n.Discriminant)
		for _, c := range n.Body {
			w.stmt(c)
		}
	case *ast.ThrowStatement:
		w.expr(n.Argument)
	case *ast.TryStatement:
		w.stmt(n.Body)
		if n.Catch != nil {
			w.target(n.Catch.Parameter)
			w.stmt(n.Catch.Body)
		}
		if n.Finally != nil {
			w.stmt(n.Finally)
		}
	case *ast.VariableStatement:
		w.bindings(n.List)
	case *ast.LexicalDeclaration:
		w.bindings(n.List)
	case *ast.WhileStatement:
		w.expr(n.Test)
		w.stmt(n.Body)
	case *ast.WithStatement:
		w.expr(n.Object)
		w.stmt(n.Body)
	default:
		w.unsupported(n)
	}
}

func (w *walker) expr(e ast.Expression) {
	if e == nil {
		return
	}
	switch n := e.(type) {
	case *ast.ArrayLiteral:
		for _, el := range n.Value {
			w.expr(el)
		}
	case *ast.ArrayPattern:
		for _, el := range n.Elements {
			w.expr(el)
		}
		w.expr(n.Rest)
	case *ast.ArrowFunctionLiteral:
		w.parameters(n.ParameterList)
		switch b := n.Body.(type) {
		case *ast.BlockStatement:
			w.statements(b.List)
		case *ast.ExpressionBody:
			w.expr(b.Expression)
		default:
			w.unsupported(b)
		}
	case *ast.AssignExpression:
		w.expr(n.Left)
		w.expr(n.Right)
	case *ast.BinaryExpression:
		w.expr(n.Left)
		w.expr(n.Right)
	case *ast.BooleanLiteral, *ast.NullLiteral, *ast.NumberLiteral, *ast.RegExpLiteral, *ast.StringLiteral, *ast.ThisExpression:
	case *ast.BracketExpression:
		w.expr(n.Left)
		if lit, ok := n.Member.(*ast.StringLiteral); ok {
			w.checkMember(lit.Value.String())
		} else {
			w.expr(n.Member)
		}
	case *ast.CallExpression:
		w.expr(n.Callee)
		for _, a := range n.ArgumentList {
			w.expr(a)
		}
	case *ast.ClassLiteral:
		w.class(n)
	case *ast.ConditionalExpression:
		w.expr(n.Test)
		w.expr(n.Consequent)
		w.expr(n.Alternate)
	case *ast.DotExpression:
		w.expr(n.Left)
		w.checkMember(n.Identifier.Name.String())
	case *ast.FunctionLiteral:
		if n.Name != nil {
			w.checkIdent(n.Name.Name.String())
		}
		w.parameters(n.ParameterList)
		w.stmt(n.Body)
	case *ast.Identifier:
		w.checkIdent(n.Name.String())
	case *ast.NewExpression:
		w.expr(n.Callee)
		for _, a := range n.ArgumentList {
			w.expr(a)
		}
	case *ast.ObjectLiteral:
		for _, p := range n.Value {
			w.property(p)
		}
	case *ast.ObjectPattern:
		for _, p := range n.Properties {
			w.property(p)
		}
		w.expr(n.Rest)
	case *ast.Optional:
		w.expr(n.Expression)
	case *ast.OptionalChain:
		w.expr(n.Expression)
	case *ast.SequenceExpression:
		for _, s := range n.Sequence {
			w.expr(s)
		}
	case *ast.SpreadElement:
		w.expr(n.Expression)
	case *ast.TemplateLiteral:
		w.expr(n.Tag)
		for _, x := range n.Expressions {
			w.expr(x)
		}
	case *ast.UnaryExpression:
		w.expr(n.Operand)
	default:
		w.unsupported(n)
	}
}

// property handles object literal and object pattern members.
func (w *walker) property(p interface{}) {
	switch n := p.(type) {
	case nil:
	case *ast.PropertyShort:
		w.checkIdent(n.Name.Name.String())
		w.expr(n.Initializer)
	case *ast.PropertyKeyed:
		if n.Computed {
			w.expr(n.Key)
		} else {
			w.propertyKey(n.Key)
		}
		w.expr(n.Value)
	case *ast.SpreadElement:
		w.expr(n.Expression)
	default:
		w.unsupported(n)
	}
}

func (w *walker) propertyKey(key ast.Expression) {
	switch k := key.(type) {
	case nil:
	case *ast.StringLiteral:
		w.checkPropertyName(k.Value.String())
	case *ast.NumberLiteral:
	case *ast.Identifier:
		w.checkPropertyName(k.Name.String())
	default:
		w.unsupported(k)
	}
}

// target handles binding targets: plain identifiers and destructuring
// patterns.
func (w *walker) target(t interface{}) {
	switch n := t.(type) {
	case nil:
	case *ast.Identifier:
		w.checkIdent(n.Name.String())
	case *ast.ObjectPattern:
		for _, p := range n.Properties {
			w.property(p)
		}
		w.expr(n.Rest)
	case *ast.ArrayPattern:
		for _, el := range n.Elements {
			w.expr(el)
		}
		w.expr(n.Rest)
	default:
		w.unsupported(n)
	}
}

func (w *walker) bindings(list []*ast.Binding) {
	for _, b := range list {
		w.binding(b)
	}
}

func (w *walker) binding(b *ast.Binding) {
	if b == nil {
		return
	}
	w.target(b.Target)
	w.expr(b.Initializer)
}

func (w *walker) parameters(params *ast.ParameterList) {
	if params == nil {
		return
	}
	w.bindings(params.List)
	w.expr(params.Rest)
}

func (w *walker) class(c *ast.ClassLiteral) {
	if c == nil {
		return
	}
	if c.Name != nil {
		w.checkIdent(c.Name.Name.String())
	}
	w.expr(c.SuperClass)
	for _, el := range c.Body {
		switch n := el.(type) {
		case *ast.FieldDefinition:
			if n.Computed {
				w.expr(n.Key)
			} else {
				w.propertyKey(n.Key)
			}
			w.expr(n.Initializer)
		case *ast.MethodDefinition:
			if n.Computed {
				w.expr(n.Key)
			} else {
				w.propertyKey(n.Key)
			}
			w.expr(n.Body)
		default:
			w.unsupported(n)
		}
	}
}

// forInto handles the loop variable clause of for-in/for-of.
func (w *walker) forInto(into interface{}) {
	switch n := into.(type) {
	case nil:
	case *ast.ForIntoExpression:
		w.expr(n.Expression)
	case *ast.ForIntoVar:
		w.binding(n.Binding)
	case *ast.ForDeclaration:
		w.target(n.Target)
	default:
		w.unsupported(n)
	}
}

// forInit handles the initializer clause of a classic for loop.
func (w *walker) forInit(init interface{}) {
	switch n := init.(type) {
	case nil:
	case *ast.ForLoopInitializerExpression:
		w.expr(n.Expression)
	case *ast.ForLoopInitializerVarDeclList:
		w.bindings(n.List)
	case *ast.ForLoopInitializerLexicalDecl:
		w.bindings(n.LexicalDeclaration.List)
	default:
		w.unsupported(n)
	}
}
