package services

import (
	"bytes"
	"fmt"
	"strings"
	"text/template"
)

var funcMap = template.FuncMap{
	"join": strings.Join,
}

// NodeEnv is the data available to file templates.
type NodeEnv struct {
	Node struct {
		ID   int
		Name string
		Dir  string
	}
	IPv4     []string // interface addresses with masks
	IPv6     []string
	Gateways []string
	Env      map[string]string
}

// Render expands one file template for a node.
func Render(name, body string, env *NodeEnv) (string, error) {
	tmpl, err := template.New(name).Funcs(funcMap).Parse(body)
	if err != nil {
		return "", fmt.Errorf("services: parse template %s: %w", name, err)
	}
	var buf bytes.Buffer
	if err := tmpl.Execute(&buf, env); err != nil {
		return "", fmt.Errorf("services: render %s: %w", name, err)
	}
	return buf.String(), nil
}
