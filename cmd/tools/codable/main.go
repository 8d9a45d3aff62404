// Command codable generates SizeInByte, Encode and Decode methods for
// structs marked with a //go:generate codable directive. A struct
// whose layout holds no pointers, strings, slices, maps, interfaces
// or functions is codable: its methods are one unsafe memory copy.
// Any other struct gets inert stubs.
//
// Output lands next to the source file as <name>_codable.go.
package main

import (
	"bytes"
	"errors"
	"flag"
	"fmt"
	"go/ast"
	"go/format"
	"go/parser"
	"go/token"
	"go/types"
	"os"
	"path"
	"path/filepath"
	"strings"

	"golang.org/x/tools/go/packages"
)

type target struct {
	name     string
	copyable bool
}

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "codable: %v\n", err)
		os.Exit(1)
	}
}

func run() error {
	fileFlag := flag.String("file", "", "source file holding the directives, defaults to GOFILE")
	flag.Parse()

	name := strings.TrimSpace(*fileFlag)
	if name == "" && flag.NArg() > 0 {
		name = strings.TrimSpace(flag.Arg(0))
	}
	if name == "" {
		name = strings.TrimSpace(os.Getenv("GOFILE"))
	}
	if name == "" {
		return errors.New("no source file, pass -file or run under go generate")
	}
	name = filepath.Base(name)
	if filepath.Ext(name) != ".go" {
		return fmt.Errorf("%s is not a go file", name)
	}

	dir, err := os.Getwd()
	if err != nil {
		return err
	}
	pkg, err := loadPackage(dir)
	if err != nil {
		return err
	}

	file := findFile(pkg, name)
	if file == nil {
		return fmt.Errorf("file %s not found in package %s", name, pkg.Name)
	}
	targets, err := scanTargets(file, pkg)
	if err != nil {
		return err
	}
	if len(targets) == 0 {
		return fmt.Errorf("no codable structs in %s", name)
	}

	src, err := render(pkg.Name, targets)
	if err != nil {
		return err
	}
	return os.WriteFile(filepath.Join(dir, strings.TrimSuffix(name, ".go")+"_codable.go"), src, 0o644)
}

func loadPackage(dir string) (*packages.Package, error) {
	cfg := &packages.Config{
		Mode: packages.NeedName |
			packages.NeedSyntax |
			packages.NeedTypes |
			packages.NeedTypesInfo |
			packages.NeedFiles |
			packages.NeedCompiledGoFiles,
		Dir: dir,
		ParseFile: func(fset *token.FileSet, filename string, src []byte) (*ast.File, error) {
			return parser.ParseFile(fset, filename, src, parser.ParseComments)
		},
	}
	pkgs, err := packages.Load(cfg, ".")
	if err != nil {
		return nil, err
	}
	if len(pkgs) == 0 {
		return nil, errors.New("no package found")
	}
	pkg := pkgs[0]
	if len(pkg.Errors) > 0 {
		return nil, fmt.Errorf("type check failed: %s", pkg.Errors[0])
	}
	if pkg.Fset == nil || len(pkg.Syntax) == 0 {
		return nil, errors.New("package has no parsed files")
	}
	return pkg, nil
}

func findFile(pkg *packages.Package, name string) *ast.File {
	for i, f := range pkg.Syntax {
		var path string
		if i < len(pkg.CompiledGoFiles) {
			path = pkg.CompiledGoFiles[i]
		} else if i < len(pkg.GoFiles) {
			path = pkg.GoFiles[i]
		}
		if filepath.Base(path) == name {
			return f
		}
	}
	return nil
}

func scanTargets(file *ast.File, pkg *packages.Package) ([]target, error) {
	checker := &copyChecker{memo: map[types.Type]bool{}, path: map[types.Type]bool{}}

	var out []target
	for _, decl := range file.Decls {
		gen, ok := decl.(*ast.GenDecl)
		if !ok || gen.Tok != token.TYPE {
			continue
		}
		for _, spec := range gen.Specs {
			ts, ok := spec.(*ast.TypeSpec)
			if !ok || !marked(gen.Doc, ts.Doc) {
				continue
			}
			pos := pkg.Fset.Position(ts.Pos())
			if _, ok := ts.Type.(*ast.StructType); !ok {
				return nil, fmt.Errorf("codable requires a struct type at %s", pos)
			}
			obj, ok := pkg.TypesInfo.Defs[ts.Name].(*types.TypeName)
			if !ok || obj == nil {
				return nil, fmt.Errorf("missing type info for %s at %s", ts.Name.Name, pos)
			}
			out = append(out, target{name: ts.Name.Name, copyable: checker.copyable(obj.Type())})
		}
	}
	return out, nil
}

// marked reports whether any doc line is a go:generate directive
// invoking codable, directly or through go run. Only line comments
// count, same as go generate itself.
func marked(groups ...*ast.CommentGroup) bool {
	for _, g := range groups {
		if g == nil {
			continue
		}
		for _, c := range g.List {
			if !strings.HasPrefix(c.Text, "//go:generate") {
				continue
			}
			fields := strings.Fields(strings.TrimPrefix(c.Text, "//"))
			if len(fields) < 2 {
				continue
			}
			cmd := fields[1]
			if cmd == "go" && len(fields) >= 4 && fields[2] == "run" {
				cmd = fields[3]
			}
			if path.Base(cmd) == "codable" {
				return true
			}
		}
	}
	return false
}

// copyChecker decides whether a type's layout survives a flat memory
// copy. path guards against recursive types.
type copyChecker struct {
	memo map[types.Type]bool
	path map[types.Type]bool
}

func (cc *copyChecker) copyable(t types.Type) bool {
	if t == nil {
		return false
	}
	if v, ok := cc.memo[t]; ok {
		return v
	}
	if cc.path[t] {
		return false
	}
	cc.path[t] = true

	var result bool
	switch tt := t.(type) {
	case *types.Basic:
		result = tt.Info()&types.IsString == 0 && tt.Kind() != types.UnsafePointer
	case *types.Array:
		result = cc.copyable(tt.Elem())
	case *types.Struct:
		result = true
		for i := 0; i < tt.NumFields(); i++ {
			if !cc.copyable(tt.Field(i).Type()) {
				result = false
				break
			}
		}
	case *types.Named:
		result = cc.copyable(tt.Underlying())
	case *types.Alias:
		result = cc.copyable(types.Unalias(tt))
	default:
		// pointers, slices, maps, chans, interfaces, funcs
		result = false
	}

	cc.memo[t] = result
	delete(cc.path, t)
	return result
}

func render(pkgName string, targets []target) ([]byte, error) {
	var buf bytes.Buffer
	buf.WriteString("// Code generated by codable; DO NOT EDIT.\n\n")
	fmt.Fprintf(&buf, "package %s\n\n", pkgName)

	for _, t := range targets {
		if t.copyable {
			buf.WriteString("import \"unsafe\"\n\n")
			break
		}
	}

	for i, t := range targets {
		if i > 0 {
			buf.WriteString("\n")
		}
		if t.copyable {
			emitCopyable(&buf, t.name)
		} else {
			emitStub(&buf, t.name)
		}
	}

	return format.Source(buf.Bytes())
}

func emitCopyable(buf *bytes.Buffer, name string) {
	recv := receiver(name)
	fmt.Fprintf(buf, "func (%s %s) SizeInByte() int {\n", recv, name)
	fmt.Fprintf(buf, "\treturn int(unsafe.Sizeof(%s))\n}\n\n", recv)

	fmt.Fprintf(buf, "func (%s %s) Encode(dst []byte) []byte {\n", recv, name)
	fmt.Fprintf(buf, "\tsize := %s.SizeInByte()\n", recv)
	fmt.Fprintf(buf, "\tif cap(dst) < size {\n\t\tdst = make([]byte, size)\n\t} else {\n\t\tdst = dst[:size]\n\t}\n\n")
	fmt.Fprintf(buf, "\tsrc := unsafe.Slice((*byte)(unsafe.Pointer(&%s)), size)\n", recv)
	fmt.Fprintf(buf, "\tcopy(dst, src)\n\treturn dst\n}\n\n")

	fmt.Fprintf(buf, "func (%s) Decode(src []byte) %s {\n", name, name)
	fmt.Fprintf(buf, "\tvar result %s\n", name)
	fmt.Fprintf(buf, "\tsize := int(unsafe.Sizeof(result))\n")
	fmt.Fprintf(buf, "\tdst := unsafe.Slice((*byte)(unsafe.Pointer(&result)), size)\n")
	fmt.Fprintf(buf, "\tcopy(dst, src)\n\treturn result\n}\n")
}

func emitStub(buf *bytes.Buffer, name string) {
	recv := receiver(name)
	fmt.Fprintf(buf, "func (%s %s) SizeInByte() int {\n\treturn 0\n}\n\n", recv, name)
	fmt.Fprintf(buf, "func (%s %s) Encode(dst []byte) []byte {\n\treturn nil\n}\n\n", recv, name)
	fmt.Fprintf(buf, "func (%s) Decode(src []byte) %s {\n\tvar result %s\n\treturn result\n}\n", name, name, name)
}

func receiver(name string) string {
	if name == "" {
		return "v"
	}
	c := name[0] | 0x20
	if c < 'a' || c > 'z' {
		return "v"
	}
	return string(c)
}
