package sqlinline

const QSelectSubscription = `--sql 893af6fb-561a-4c98-a6f6-34e9a230d5c9
select account_id, external_subscription_id, plan_id, status,
  current_period_start, current_period_end, created_at, updated_at
from subscriptions
where account_id = $1::text;
`

// QUpsertSubscription only writes when the stored row differs from the incoming
// transition; an unchanged row returns no rows.
const QUpsertSubscription = `--sql 01611efa-1dbd-4075-943a-e89307896b99
insert into subscriptions(
  account_id, external_subscription_id, plan_id, status, current_period_start, current_period_end
)
values ($1::text, $2::text, $3::text, $4::text, $5::timestamptz, $6::timestamptz)
on conflict (account_id) do update
set external_subscription_id = excluded.external_subscription_id,
    plan_id = excluded.plan_id,
    status = excluded.status,
    current_period_start = excluded.current_period_start,
    current_period_end = excluded.current_period_end,
    updated_at = now()
where (subscriptions.external_subscription_id, subscriptions.plan_id, subscriptions.status,
       subscriptions.current_period_start, subscriptions.current_period_end)
  is distinct from
      (excluded.external_subscription_id, excluded.plan_id, excluded.status,
       excluded.current_period_start, excluded.current_period_end)
returning account_id;
`

const QRecordWebhookEvent = `--sql 33b048e0-35fd-4aca-96f1-a1014d2a846d
insert into billing_webhook_events(id, type)
values ($1::text, $2::text)
on conflict (id) do update
set deliveries = billing_webhook_events.deliveries + 1
returning processed_at is not null;
`

const QMarkWebhookEventProcessed = `--sql d629f6e1-749c-45b9-937b-5b207076b380
update billing_webhook_events
set processed_at = case when $2::text = '' then now() else null end,
    error = nullif($2::text, '')
where id = $1::text;
`
