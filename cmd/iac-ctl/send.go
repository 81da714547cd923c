package main

import (
    "context"
    "encoding/json"
    "fmt"
    "os"
    "path/filepath"

    "github.com/google/uuid"
    "github.com/spf13/cobra"

    "iac/pkg/filetransfer"
    "iac/pkg/protocol"
    "iac/pkg/swarm"
)

var (
    sendType  string
    sendExtra string
)

var sendCmd = &cobra.Command{
    Use:   "send <payload-json>",
    Short: "Send one message to a node",
    Long:  "Sends a signed message of the given type. The payload must be a JSON document; --extra attaches a file as binary data.",
    Args:  cobra.ExactArgs(1),
    RunE: func(cmd *cobra.Command, args []string) error {
        t, ok := protocol.ParseMsgType(sendType)
        if !ok || t == protocol.MsgUnknown { return fmt.Errorf("unknown message type %q", sendType) }
        if !json.Valid([]byte(args[0])) { return fmt.Errorf("payload is not valid JSON") }
        var extra []byte
        if sendExtra != "" {
            b, err := os.ReadFile(sendExtra)
            if err != nil { return err }
            extra = b
        }

        ctx, cancel := context.WithTimeout(cmd.Context(), timeout)
        defer cancel()
        c, err := newClient()
        if err != nil { return err }
        defer c.Close()
        conn, err := c.session(ctx)
        if err != nil { return fmt.Errorf("connect: %w", err) }
        defer conn.Close()

        m := protocol.New("", string(c.peer), t, args[0])
        m.ExtraData = extra
        if err := conn.Send(ctx, m); err != nil { return err }
        fmt.Fprintf(cmd.OutOrStdout(), "sent %s msg_id=%d session=%d\n", t, m.MsgID, conn.SessionID())
        return nil
    },
}

var (
    delegateCapability string
    delegateParams     string
)

var delegateCmd = &cobra.Command{
    Use:   "delegate <action>",
    Short: "Send a DELEGATE_TASK to a node",
    Args:  cobra.ExactArgs(1),
    RunE: func(cmd *cobra.Command, args []string) error {
        task := swarm.Task{Capability: delegateCapability, Action: args[0]}
        if delegateParams != "" {
            if !json.Valid([]byte(delegateParams)) { return fmt.Errorf("--params is not valid JSON") }
            task.Params = json.RawMessage(delegateParams)
        }
        task.ID = uuid.NewString()
        payload, err := json.Marshal(task)
        if err != nil { return err }

        ctx, cancel := context.WithTimeout(cmd.Context(), timeout)
        defer cancel()
        c, err := newClient()
        if err != nil { return err }
        defer c.Close()
        conn, err := c.session(ctx)
        if err != nil { return fmt.Errorf("connect: %w", err) }
        defer conn.Close()
        if err := conn.Send(ctx, protocol.New("", string(c.peer), protocol.MsgDelegateTask, string(payload))); err != nil { return err }
        fmt.Fprintf(cmd.OutOrStdout(), "task %s delegated to %s\n", task.ID, c.peer)
        return nil
    },
}

var sendfileName string

var sendfileCmd = &cobra.Command{
    Use:   "sendfile <path>",
    Short: "Transfer a file to a node in acknowledged chunks",
    Args:  cobra.ExactArgs(1),
    RunE: func(cmd *cobra.Command, args []string) error {
        data, err := os.ReadFile(args[0])
        if err != nil { return err }
        name := sendfileName
        if name == "" { name = filepath.Base(args[0]) }

        ctx, cancel := context.WithTimeout(cmd.Context(), timeout)
        defer cancel()
        c, err := newClient()
        if err != nil { return err }
        defer c.Close()
        m, err := c.mesh(ctx)
        if err != nil { return fmt.Errorf("connect: %w", err) }
        defer m.Close()

        s := filetransfer.NewSender(m, filetransfer.SenderOptions{})
        m.Handle(protocol.MsgFileTransfer, filetransfer.Route(s, nil))
        id, err := s.Send(ctx, c.peer, name, data)
        if err != nil { return err }
        fmt.Fprintf(cmd.OutOrStdout(), "transfer %s: %s, %d bytes, blake2b %s\n", id, name, len(data), filetransfer.Checksum(data))
        return nil
    },
}

func init() {
    sendCmd.Flags().StringVarP(&sendType, "type", "t", "COMMAND", "message type: COMMAND|BROADCAST|DELEGATE_TASK|FILE_TRANSFER|PING")
    sendCmd.Flags().StringVar(&sendExtra, "extra", "", "file attached as extra data")
    delegateCmd.Flags().StringVar(&delegateCapability, "capability", "", "capability the task requires")
    delegateCmd.Flags().StringVar(&delegateParams, "params", "", "task parameters as JSON")
    sendfileCmd.Flags().StringVar(&sendfileName, "name", "", "file name announced to the node; defaults to the base name")
    for _, c := range []*cobra.Command{sendCmd, delegateCmd, sendfileCmd} {
        addTargetFlags(c)
        rootCmd.AddCommand(c)
    }
}
