//go:build bdd

package steps

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"github.com/cucumber/godog"

	"github.com/datafold/datafold-node/internal/dferr"
	"github.com/datafold/datafold-node/internal/node"
	"github.com/datafold/datafold-node/internal/schema"
)

// availableSchema writes a schema definition file into the scenario's
// scratch directory; it becomes discoverable the next time the
// scenario calls "I refresh schemas", the same way an operator would
// drop a file into a watched directory.
func (tc *TestContext) availableSchema(name, field string) error {
	s := &schema.Schema{
		Name:       name,
		SchemaType: "native",
		Fields: map[string]*schema.FieldDefinition{
			field: {Kind: schema.FieldSingle},
		},
	}
	s.Hash = s.ComputeHash()

	raw, err := json.Marshal(s)
	if err != nil {
		return err
	}
	return os.WriteFile(filepath.Join(tc.schemaDir, name+".json"), raw, 0o644)
}

func (tc *TestContext) schemaIsApproved(name string) error {
	if _, err := tc.Node.RefreshSchemas(context.Background(), tc.schemaDir); err != nil {
		return err
	}
	return tc.Node.ApproveSchema(context.Background(), name)
}

func (tc *TestContext) iApproveSchema(name string) error {
	return tc.Node.ApproveSchema(context.Background(), name)
}

func (tc *TestContext) iBlockSchema(name string) error {
	return tc.Node.BlockSchema(context.Background(), name)
}

func (tc *TestContext) iCallGetSchemaStatus() error {
	tc.report = tc.Node.GetSchemaStatus()
	return nil
}

func (tc *TestContext) theSchemaStatusHasNoDiscoveredSchemas() error {
	if len(tc.report.Discovered) != 0 {
		return fmt.Errorf("expected no discovered schemas, got %v", tc.report.Discovered)
	}
	return nil
}

func (tc *TestContext) theSchemaStatusHasNoLoadedSchemas() error {
	if len(tc.report.Loaded) != 0 {
		return fmt.Errorf("expected no loaded schemas, got %v", tc.report.Loaded)
	}
	return nil
}

func (tc *TestContext) iRefreshSchemas() error {
	report, err := tc.Node.RefreshSchemas(context.Background(), tc.schemaDir)
	tc.report = report
	return err
}

func (tc *TestContext) isDiscovered(name string) error {
	for _, d := range tc.report.Discovered {
		if d == name {
			return nil
		}
	}
	return fmt.Errorf("%q not in discovered set %v", name, tc.report.Discovered)
}

func (tc *TestContext) theStateOfIs(name, want string) error {
	state, err := tc.Node.GetSchemaState(name)
	if err != nil {
		return err
	}
	if string(state) != want {
		return fmt.Errorf("expected state %q, got %q", want, state)
	}
	return nil
}

func (tc *TestContext) iQueryFor(name, field string) error {
	result, err := tc.Node.ExecuteOperation(context.Background(), node.Operation{
		Kind:   node.OpQuery,
		Schema: name,
		Fields: []string{field},
	})
	tc.lastResult = result
	tc.lastErr = err
	return nil
}

func (tc *TestContext) theOperationIsDeniedWithAPermissionError() error {
	if tc.lastErr == nil {
		return errors.New("expected an error, got none")
	}
	if !errors.Is(tc.lastErr, dferr.PermissionDenied) {
		return fmt.Errorf("expected PermissionDenied, got %v", tc.lastErr)
	}
	return nil
}

func (tc *TestContext) theQuerySucceedsWithFieldEqualToNil(field string) error {
	if tc.lastErr != nil {
		return tc.lastErr
	}
	for _, f := range tc.lastResult.Fields {
		if f.Field == field {
			if f.Err != nil {
				return fmt.Errorf("expected field %q to succeed with nil, got error: %v", field, f.Err)
			}
			if f.Value != nil {
				return fmt.Errorf("expected field %q to be nil, got %v", field, f.Value)
			}
			return nil
		}
	}
	return fmt.Errorf("field %q not present in result", field)
}

func (tc *TestContext) theQuerySucceedsWithFieldEqualTo(field, want string) error {
	if tc.lastErr != nil {
		return tc.lastErr
	}
	for _, f := range tc.lastResult.Fields {
		if f.Field == field {
			if fmt.Sprintf("%v", f.Value) != want {
				return fmt.Errorf("expected field %q to equal %q, got %v", field, want, f.Value)
			}
			return nil
		}
	}
	return fmt.Errorf("field %q not present in result", field)
}

func (tc *TestContext) iMutateWithDataAsAMutation(name, assignment, mutationType string) error {
	field, value, err := parseAssignment(assignment)
	if err != nil {
		return err
	}
	result, err := tc.Node.ExecuteOperation(context.Background(), node.Operation{
		Kind:         node.OpMutation,
		Schema:       name,
		Data:         map[string]interface{}{field: value},
		MutationType: mutationType,
	})
	tc.lastResult = result
	tc.lastErr = err
	return nil
}

func (tc *TestContext) theMutationSucceeds() error {
	return tc.lastErr
}

func parseAssignment(s string) (string, string, error) {
	for i := 0; i < len(s); i++ {
		if s[i] == '=' {
			field, value := s[:i], s[i+1:]
			if len(value) >= 2 && value[0] == '"' && value[len(value)-1] == '"' {
				value = value[1 : len(value)-1]
			}
			return field, value, nil
		}
	}
	return "", "", fmt.Errorf("malformed assignment %q, expected field=value", s)
}

// RegisterSchemaSteps wires every schema-lifecycle step into ctx.
func RegisterSchemaSteps(ctx *godog.ScenarioContext, tc *TestContext) {
	ctx.Step(`^an available schema "([^"]*)" with field "([^"]*)"$`, tc.availableSchema)
	ctx.Step(`^schema "([^"]*)" is approved$`, tc.schemaIsApproved)
	ctx.Step(`^I approve schema "([^"]*)"$`, tc.iApproveSchema)
	ctx.Step(`^I block schema "([^"]*)"$`, tc.iBlockSchema)
	ctx.Step(`^I call get_schema_status$`, tc.iCallGetSchemaStatus)
	ctx.Step(`^the schema status has no discovered schemas$`, tc.theSchemaStatusHasNoDiscoveredSchemas)
	ctx.Step(`^the schema status has no loaded schemas$`, tc.theSchemaStatusHasNoLoadedSchemas)
	ctx.Step(`^I refresh schemas$`, tc.iRefreshSchemas)
	ctx.Step(`^"([^"]*)" is discovered$`, tc.isDiscovered)
	ctx.Step(`^the state of "([^"]*)" is "([^"]*)"$`, tc.theStateOfIs)
	ctx.Step(`^I query "([^"]*)" for fields "([^"]*)"$`, tc.iQueryFor)
	ctx.Step(`^the operation is denied with a permission error$`, tc.theOperationIsDeniedWithAPermissionError)
	ctx.Step(`^the query succeeds with field "([^"]*)" equal to nil$`, tc.theQuerySucceedsWithFieldEqualToNil)
	ctx.Step(`^the query succeeds with field "([^"]*)" equal to "([^"]*)"$`, tc.theQuerySucceedsWithFieldEqualTo)
	ctx.Step(`^I mutate "([^"]*)" with data ([^\s]+) as a "([^"]*)" mutation$`, tc.iMutateWithDataAsAMutation)
	ctx.Step(`^the mutation succeeds$`, tc.theMutationSucceeds)
}
