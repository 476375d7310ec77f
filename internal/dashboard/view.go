package dashboard

import (
	"context"
	"log"
	"strings"
	"time"

	"github.com/gdamore/tcell/v2"
	"github.com/rivo/tview"

	"github.com/lowaak/smart-trainer/activity-recorder/internal/go_func_utils"
)

const refreshInterval = 500 * time.Millisecond

const helpText = "[yellow]Space[white] Start/Pause  |  [yellow]X[white] Finish  |  [yellow]N[white] Next step  |  [yellow]U[white] Retry uploads  |  [yellow]A[white] Discard empty\n" +
	"[yellow]S[white] Toggle scan  |  [yellow]Enter[white] Connect  |  [yellow]D[white] Disconnect  |  [yellow]Tab[white] Focus  |  [yellow]Esc[white] Quit"

// App is the terminal UI.
type App struct {
	logger     *log.Logger
	app        *tview.Application
	controller *Controller

	sessionPanel   *tview.TextView
	metricsPanel   *tview.TextView
	planPanel      *tview.TextView
	sensorsPanel   *tview.TextView
	discoveredList *tview.List
	connectedList  *tview.List
	logView        *tview.TextView
	tabWidgets     []*tview.Box
}

func NewApp(controller *Controller, logger *log.Logger) *App {
	if controller == nil {
		panic("App: controller cannot be nil")
	}
	if logger == nil {
		panic("App: logger cannot be nil")
	}
	a := &App{
		logger:     logger,
		app:        tview.NewApplication(),
		controller: controller,
	}
	a.initialize()
	return a
}

func newPanel(title string) *tview.TextView {
	tv := tview.NewTextView().
		SetDynamicColors(true).
		SetTextAlign(tview.AlignLeft)
	tv.SetBorder(true).SetTitle(title)
	return tv
}

func (a *App) initialize() {
	help := tview.NewTextView().
		SetDynamicColors(true).
		SetTextAlign(tview.AlignCenter).
		SetText(helpText)

	a.sessionPanel = newPanel(" Session ")
	a.metricsPanel = newPanel(" Metrics ")
	a.planPanel = newPanel(" Plan ")
	a.sensorsPanel = newPanel(" Sensors ")
	// Don't use SetChangedFunc with app.Draw(): the refresh loop already draws.
	a.logView = newPanel(" Log ")
	a.logView.SetScrollable(false)

	a.discoveredList = tview.NewList().
		ShowSecondaryText(false).
		SetSelectedFunc(func(index int, _, _ string, _ rune) {
			a.controller.ConnectDiscovered(index)
		})
	a.discoveredList.SetBorder(true).SetTitle(" Scan Results (Enter to Connect) ")

	a.connectedList = tview.NewList().
		ShowSecondaryText(false)
	a.connectedList.SetBorder(true).SetTitle(" Connected (D to Disconnect) ")

	a.tabWidgets = []*tview.Box{a.discoveredList.Box, a.connectedList.Box, a.planPanel.Box}

	left := tview.NewFlex().
		SetDirection(tview.FlexRow).
		AddItem(a.sessionPanel, 7, 0, false).
		AddItem(a.metricsPanel, 10, 0, false).
		AddItem(a.planPanel, 0, 1, false)

	right := tview.NewFlex().
		SetDirection(tview.FlexRow).
		AddItem(a.sensorsPanel, 6, 0, false).
		AddItem(a.discoveredList, 0, 1, true).
		AddItem(a.connectedList, 6, 0, false).
		AddItem(a.logView, 0, 2, false)

	body := tview.NewFlex().
		AddItem(left, 0, 1, false).
		AddItem(right, 0, 1, true)

	root := tview.NewFlex().
		SetDirection(tview.FlexRow).
		AddItem(help, 2, 0, false).
		AddItem(body, 0, 1, true)

	a.app.SetRoot(root, true).SetFocus(a.discoveredList)
	a.setupKeyboardHandlers()
}

func (a *App) setupKeyboardHandlers() {
	a.app.SetInputCapture(func(event *tcell.EventKey) *tcell.EventKey {
		switch event.Key() {
		case tcell.KeyTab:
			a.cycleFocus()
			return nil
		case tcell.KeyEscape:
			a.controller.Quit()
			return nil
		case tcell.KeyRune:
		default:
			return event
		}

		switch event.Rune() {
		case ' ':
			a.controller.ToggleRecording()
		case 'x':
			a.controller.Finish()
		case 'n':
			a.controller.Advance()
		case 'u':
			a.controller.RetryUploads()
		case 'a':
			a.controller.DiscardEmpty()
		case 's':
			a.controller.ToggleScan()
		case 'd':
			if a.connectedList.HasFocus() {
				a.controller.DisconnectConnected(a.connectedList.GetCurrentItem())
			}
		default:
			return event
		}
		return nil
	})
}

func (a *App) cycleFocus() {
	n := len(a.tabWidgets)
	for i, w := range a.tabWidgets {
		if w.HasFocus() {
			a.app.SetFocus(a.tabWidgets[(i+1)%n])
			return
		}
	}
	a.app.SetFocus(a.tabWidgets[0])
}

func setListItems(list *tview.List, items []string) {
	current := ""
	if idx := list.GetCurrentItem(); idx < list.GetItemCount() {
		current, _ = list.GetItemText(idx)
	}
	list.Clear()
	selected := -1
	for i, item := range items {
		item = tview.Escape(item)
		if item == current {
			selected = i
		}
		list.AddItem(item, "", 0, nil)
	}
	if selected > -1 {
		list.SetCurrentItem(selected)
	}
}

func (a *App) refresh() {
	v := a.controller.View()

	a.sessionPanel.SetText(renderSession(v))
	a.metricsPanel.SetText(renderMetrics(v.Live))
	a.planPanel.SetText(renderPlan(v))
	a.sensorsPanel.SetText(renderSensors(v))

	scanTitle := " Scan Results (Enter to Connect) "
	if v.Scanning {
		scanTitle = " Scanning... (S to Stop) "
	}
	a.discoveredList.SetTitle(scanTitle)
	setListItems(a.discoveredList, discoveredItems(v.Discovered))

	connected := make([]string, 0, len(v.Connections))
	for _, c := range v.Connections {
		connected = append(connected, c.Name+" ("+c.ID+")")
	}
	setListItems(a.connectedList, connected)

	_, _, _, height := a.logView.GetInnerRect()
	lines := v.Notices
	if height > 0 && len(lines) > height {
		lines = lines[len(lines)-height:]
	}
	a.logView.SetText(tview.Escape(strings.Join(lines, "\n")))
}

// Run shows the UI until ctx ends or the user quits.
func (a *App) Run(ctx context.Context) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	quitSub := a.controller.ListenQuit(func(struct{}) { cancel() })
	defer quitSub.Unsubscribe()

	go_func_utils.SafeGo(a.logger, func() {
		ticker := time.NewTicker(refreshInterval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				a.app.Stop()
				return
			case <-ticker.C:
				a.app.QueueUpdateDraw(a.refresh)
			}
		}
	})

	a.refresh()
	a.logger.Println("App: running")
	err := a.app.Run()
	cancel()
	a.logger.Println("App: stopped")
	return err
}
