package surface

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/basket/angrav/internal/driver/drivertest"
)

func TestAgentFrame_AlreadyPresent(t *testing.T) {
	fake := drivertest.New()
	page := fake.AddPage("p1", "vscode-file://app/workbench.html", "project")
	page.AddFrame("vscode-file://app/agent-surface/index.html")

	fr, err := NewFrameLocator(nil).AgentFrame(context.Background(), page)
	if err != nil {
		t.Fatalf("AgentFrame: %v", err)
	}
	if fr.URL() != "vscode-file://app/agent-surface/index.html" {
		t.Fatalf("frame url = %q", fr.URL())
	}
}

func TestAgentFrame_ActivatesPanel(t *testing.T) {
	fake := drivertest.New()
	page := fake.AddPage("p1", "vscode-file://app/workbench.html", "project")
	page.Main().SetNode(selAgentActivityItem[0], &drivertest.Node{Visible: true})

	// Frame appears shortly after the activity-bar click.
	go func() {
		time.Sleep(100 * time.Millisecond)
		page.AddFrame("vscode-file://app/agent-surface/index.html")
	}()

	fr, err := NewFrameLocator(nil).AgentFrame(context.Background(), page)
	if err != nil {
		t.Fatalf("AgentFrame: %v", err)
	}
	if fr == nil {
		t.Fatal("frame is nil")
	}
	if !page.Main().HasAction("click " + selAgentActivityItem[0]) {
		t.Fatalf("activity bar not clicked: %v", page.Main().ActionLog())
	}
}

func TestAgentFrame_MissingAfterRetry(t *testing.T) {
	fake := drivertest.New()
	page := fake.AddPage("p1", "vscode-file://app/workbench.html", "project")
	page.Main().SetNode(selAgentActivityItem[0], &drivertest.Node{Visible: true})

	_, err := NewFrameLocator(nil).AgentFrame(context.Background(), page)
	if !errors.Is(err, ErrAgentSurfaceMissing) {
		t.Fatalf("err = %v, want ErrAgentSurfaceMissing", err)
	}
}
