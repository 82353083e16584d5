// Command storage-init creates the Azure tables and queues the board api
// expects. Existing resources are left untouched.
package main

import (
	"context"
	"errors"
	"os"
	"strconv"

	"github.com/Azure/azure-sdk-for-go/sdk/azcore"
	"github.com/Azure/azure-sdk-for-go/sdk/data/aztables"
	"github.com/Azure/azure-sdk-for-go/sdk/storage/azqueue"
	log "github.com/sirupsen/logrus"
)

const queueAlreadyExists = "QueueAlreadyExists"

func main() {
	if dbg, err := strconv.ParseBool(os.Getenv("DEBUG")); err == nil && dbg {
		log.SetLevel(log.DebugLevel)
	}
	connStr := os.Getenv("STORAGE_CONNECTION_STRING")
	if connStr == "" {
		log.Fatal("missing STORAGE_CONNECTION_STRING")
	}
	log.Info("storage init starting")

	ctx := context.Background()
	tables := resourceNames(os.Getenv, "CARDS_TABLE", "AUDIT_TABLE", "USERS_TABLE", "MEMBERS_TABLE")
	if err := createTables(ctx, connStr, tables); err != nil {
		log.Fatalf("create tables: %v", err)
	}
	queues := resourceNames(os.Getenv, "AUDIT_QUEUE")
	if err := createQueues(ctx, connStr, queues); err != nil {
		log.Fatalf("create queues: %v", err)
	}
	log.WithFields(log.Fields{"tables": tables, "queues": queues}).Info("storage init complete")
}

// resourceNames returns the non-empty values of keys in order.
func resourceNames(getenv func(string) string, keys ...string) []string {
	var names []string
	for _, k := range keys {
		if v := getenv(k); v != "" {
			names = append(names, v)
		}
	}
	return names
}

func createTables(ctx context.Context, connStr string, names []string) error {
	svc, err := aztables.NewServiceClientFromConnectionString(connStr, nil)
	if err != nil {
		return err
	}
	for _, name := range names {
		if _, err := svc.NewClient(name).CreateTable(ctx, nil); err != nil && !alreadyExists(err, string(aztables.TableAlreadyExists)) {
			return err
		}
		log.WithField("table", name).Debug("table ready")
	}
	return nil
}

func createQueues(ctx context.Context, connStr string, names []string) error {
	for _, name := range names {
		q, err := azqueue.NewQueueClientFromConnectionString(connStr, name, nil)
		if err != nil {
			return err
		}
		if _, err := q.Create(ctx, nil); err != nil && !alreadyExists(err, queueAlreadyExists) {
			return err
		}
		log.WithField("queue", name).Debug("queue ready")
	}
	return nil
}

func alreadyExists(err error, code string) bool {
	var respErr *azcore.ResponseError
	return errors.As(err, &respErr) && respErr.ErrorCode == code
}
