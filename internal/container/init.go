package container

import (
	"context"
	"fmt"
)

const defaultBashrc = `# ~/.bashrc

case $- in
    *i*) ;;
      *) return;;
esac

HISTCONTROL=ignoreboth
HISTSIZE=10000
HISTFILESIZE=20000
shopt -s histappend
shopt -s checkwinsize

export PS1='\u@\h:\w\$ '
export PATH="$HOME/.local/bin:$PATH"
export EDITOR=vim

alias ll='ls -alF'
alias la='ls -A'
alias l='ls -CF'
`

const defaultGitconfig = `[init]
	defaultBranch = main
[pull]
	rebase = false
[core]
	editor = vim
`

const defaultTmuxConf = `set -g default-terminal "screen-256color"
set -ga terminal-overrides ",xterm-256color:Tc"
set -g mouse on
set -g history-limit 50000
set -g base-index 1
setw -g pane-base-index 1
set -g renumber-windows on
set -sg escape-time 10
`

// InitFilesystem lays out the home directory on first boot: standard
// directories plus default shell, git and tmux configs. Existing user files
// are never overwritten.
func (d *Driver) InitFilesystem(ctx context.Context, workspaceID string) error {
	// 新建的命名卷归 root 所有，先交还给 workspace 用户
	res, err := d.Exec(ctx, workspaceID, []string{"chown", "1000:1000", HomeDir}, ExecOptions{User: "0:0"})
	if err != nil {
		return err
	}
	if res.ExitCode != 0 {
		return fmt.Errorf("%w: chown home: %s", ErrExecFailed, res.Output)
	}

	res, err = d.Exec(ctx, workspaceID, []string{"sh", "-c",
		"mkdir -p ~/.config ~/.ssh ~/.local/bin ~/projects && chmod 700 ~/.ssh"},
		ExecOptions{})
	if err != nil {
		return err
	}
	if res.ExitCode != 0 {
		return fmt.Errorf("%w: init layout: %s", ErrExecFailed, res.Output)
	}

	defaults := []struct {
		path    string
		content string
		mode    int64
	}{
		{HomeDir + "/.bashrc", defaultBashrc, 0644},
		{HomeDir + "/.gitconfig", defaultGitconfig, 0644},
		{HomeDir + "/.tmux.conf", defaultTmuxConf, 0644},
	}

	for _, f := range defaults {
		exists, err := d.FileExists(ctx, workspaceID, f.path)
		if err != nil {
			return err
		}
		if exists {
			continue
		}
		if err := d.WriteFile(ctx, workspaceID, f.path, []byte(f.content), f.mode); err != nil {
			return fmt.Errorf("write %s: %w", f.path, err)
		}
	}

	d.logger.Info("Workspace filesystem initialized", "workspace_id", workspaceID)
	return nil
}
