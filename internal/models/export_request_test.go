package models

import "testing"

func validExportRequest() *ExportRequest {
	return &ExportRequest{
		SessionID:   "session-1",
		ProjectName: "demo",
		Source:      ExportSource{Type: "git", BaseName: "demo", DisplayName: "Demo"},
		Nodes: []GraphNode{
			{ID: "n1", Label: "Function", Properties: NodeProperties{Name: "main", FilePath: "src/main.go"}},
		},
		Relationships: []GraphRelationship{
			{ID: "e1", SourceID: "n1", TargetID: "n1", Type: "CALLS", Confidence: 0.9, Reason: "direct call"},
		},
		FileContents: map[string]string{"src/main.go": "package main"},
		Options:      ExportOptions{MaxSnippetChars: 1200, MaxNodeFrames: 100, MaxRelationFrames: 100},
	}
}

func TestExportRequest_Validate(t *testing.T) {
	tests := []struct {
		name    string
		mutate  func(*ExportRequest)
		wantErr bool
	}{
		{
			name:    "valid request",
			mutate:  func(r *ExportRequest) {},
			wantErr: false,
		},
		{
			name:    "missing session id",
			mutate:  func(r *ExportRequest) { r.SessionID = "" },
			wantErr: true,
		},
		{
			name:    "missing project name",
			mutate:  func(r *ExportRequest) { r.ProjectName = "" },
			wantErr: true,
		},
		{
			name:    "node without id",
			mutate:  func(r *ExportRequest) { r.Nodes[0].ID = "" },
			wantErr: true,
		},
		{
			name:    "relationship without type",
			mutate:  func(r *ExportRequest) { r.Relationships[0].Type = "" },
			wantErr: true,
		},
		{
			name:    "confidence above range",
			mutate:  func(r *ExportRequest) { r.Relationships[0].Confidence = 1.5 },
			wantErr: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := validExportRequest()
			tt.mutate(req)
			err := req.Validate()
			if (err != nil) != tt.wantErr {
				t.Errorf("Validate() error = %v, wantErr %v", err, tt.wantErr)
			}
		})
	}
}

func TestExportRequest_Clone(t *testing.T) {
	original := validExportRequest()
	clone := original.Clone()

	clone.Nodes[0].ID = "changed"
	clone.FileContents["src/main.go"] = "changed"
	clone.Relationships = append(clone.Relationships, GraphRelationship{ID: "e2"})

	if original.Nodes[0].ID != "n1" {
		t.Error("clone mutation leaked into original nodes")
	}
	if original.FileContents["src/main.go"] != "package main" {
		t.Error("clone mutation leaked into original file contents")
	}
	if len(original.Relationships) != 1 {
		t.Error("clone append leaked into original relationships")
	}
}
